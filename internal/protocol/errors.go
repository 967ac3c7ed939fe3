package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrBadMagic        = errors.New("bad frame magic")
	ErrFrameTooLarge   = errors.New("frame too large")
)

// CommandError carries the offending tag. It matches ErrUnknownCommand.
type CommandError struct {
	Tag string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Tag)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrUnknownCommand
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}
