package otel

func ModeFor(enabled bool, colURL string) string { return modeFor(enabled, colURL).String() }
