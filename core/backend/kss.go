package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/relabs-tech/bookstore/core/kss"
	"github.com/relabs-tech/bookstore/core/logger"
)

// configureKSS creates the storage driver for cover images. Without driver, the cover routes answer
// http.StatusNotImplemented.
func (b *Backend) configureKSS(config KssConfiguration) (err error) {
	switch config.DriverType {
	case kss.None:
		logger.Default().Infoln("no kss driver, cover images are disabled")
		return nil
	case kss.DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return errors.New("kss: the local driver needs a LocalConfiguration")
		}
		public, perr := url.Parse(b.publicURL)
		if perr != nil || b.publicURL == "" {
			return fmt.Errorf("kss: the local driver needs a valid public url, got '%s'", b.publicURL)
		}
		b.KssDriver, err = kss.NewLocalFilesystem(b.router, *config.LocalConfiguration, *public)
	case kss.DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return errors.New("kss: the S3 driver needs an S3Configuration")
		}
		b.KssDriver, err = kss.NewS3(context.Background(), *config.S3Configuration)
	default:
		return fmt.Errorf("kss: unknown driver type '%s'", config.DriverType)
	}
	if err != nil {
		b.KssDriver = nil
		return fmt.Errorf("kss: cannot create %s driver: %w", config.DriverType, err)
	}
	logger.Default().Infoln("kss driver:", config.DriverType)
	return nil
}
