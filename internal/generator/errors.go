package generator

import "errors"

var (
	// ErrInvalidConfig is returned when the generator cannot be constructed.
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrContentBlocked is returned when the model refuses the prompt on safety grounds.
	ErrContentBlocked = errors.New("content blocked by model safety filters")

	// ErrNoImage is returned when the model answered without image data.
	ErrNoImage = errors.New("no image data in model response")

	// ErrTransientFailure is returned once retries for temporary API errors are exhausted.
	ErrTransientFailure = errors.New("transient error during page generation")

	// ErrRequestRejected is returned without retrying when the API refuses the
	// request itself, such as a malformed request or a bad key.
	ErrRequestRejected = errors.New("request rejected by model api")

	ErrEmptyPrompt = errors.New("page prompt is empty")

	ErrEmptyTopic = errors.New("outline topic is empty")

	// ErrNoOutline is returned when the model answer holds no usable pages.
	ErrNoOutline = errors.New("no outline pages in model response")
)
