package testhelper

import "io"

const IdentChars = identChars

func RandChars(r io.Reader, charSet string, n int) (string, error) {
	return randChars(r, charSet, n)
}
