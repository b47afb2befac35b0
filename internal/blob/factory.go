package blob

import (
	"context"
	"fmt"
)

// Config mirrors the images.blob section of astrodb.yml.
type Config struct {
	Driver string
	FSRoot string
	S3     S3Config
}

// Open returns the configured store, or nil when offloading is disabled.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(cfg.Driver) {
	case "", DriverNone:
		return nil, nil
	case DriverFilesystem:
		s, err := NewFilesystem(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		s, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
