package config

import (
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a size in bytes that decodes from "64KiB", "1.5GB" or a
// plain integer.
type ByteSize int64

// String renders the size in IEC units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a human size.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return ByteSize(n), nil
}

// byteSizeHook decodes strings into ByteSize.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseByteSize(data.(string))
	}
}
