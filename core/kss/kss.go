// Package kss provides functionality to store large files outside of the bookstore
// database. The bookstore uses it for cover images.
//
// There are currently two possible backends: a local file system and AWS S3
package kss

import (
	"context"
	"fmt"
	"time"
)

// MaxUploadSize is the largest file accepted for upload, through the backend as well as with a
// pre-signed URL of the local filesystem
const MaxUploadSize = 5 << 20

// Method is the HTTP method a pre-signed URL is valid for
type Method string

// The methods a pre-signed URL can be requested for
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the KSS service
type Driver interface {
	// GetPreSignedURL returns a URL that can be used with method until expireIn has passed
	GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error)
	// UploadData stores data under key, replacing what was there before
	UploadData(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// ParseDriverType parses the value of a configuration variable. Matching is
// case-sensitive, the empty string means None.
func ParseDriverType(s string) (DriverType, error) {
	switch DriverType(s) {
	case None, DriverTypeLocal, DriverTypeAWSS3:
		return DriverType(s), nil
	}
	return None, fmt.Errorf("unknown kss driver '%s', use %s or %s", s, DriverTypeLocal, DriverTypeAWSS3)
}

// CoverKey returns the storage key of the cover image of a book
func CoverKey(bookID string) string {
	return "covers/" + bookID
}
