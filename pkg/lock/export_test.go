package lock

import "context"

// Classifier is a test-only export of the unexported classifier.
type Classifier = classifier

// NewClassifier is a test-only export of newClassifier.
func NewClassifier(policy ContentionPolicy) *Classifier { return newClassifier(policy) }

// Classify is a test-only export of classify.
func (c *classifier) Classify(ctx context.Context, err error) bool { return c.classify(ctx, err) }
