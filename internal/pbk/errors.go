package pbk

import (
	"context"
	"errors"
	"net"
)

// ErrLocalFile marks failures reading a file from the device.
var ErrLocalFile = errors.New("local file unreadable")

// ClassifyError maps a failure to the error type recorded for its folder.
func ClassifyError(err error) BackupErrorType {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrorTypePermission
	case errors.Is(err, ErrQuotaExceeded):
		return ErrorTypeDriveStorage
	case errors.Is(err, ErrUploadNotAllowed):
		return ErrorTypePhotosUploadNotAllowed
	case errors.Is(err, ErrLocalFile):
		return ErrorTypeLocalStorage
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return ErrorTypeConnectivity
	default:
		return ErrorTypeOther
	}
}
