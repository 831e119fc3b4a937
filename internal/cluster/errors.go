package cluster

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"

	remerrors "github.com/kubeshield/remedy/internal/errors"
)

// classify maps a client-go failure onto the gateway error taxonomy.
func classify(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var clusterErr *remerrors.ClusterError
	if errors.As(err, &clusterErr) {
		return err
	}
	return remerrors.NewClusterError(errorType(err), op, resource, err)
}

func errorType(err error) remerrors.ErrorType {
	switch {
	case apierrors.IsNotFound(err), apierrors.IsGone(err):
		return remerrors.ErrorTypeNotFound
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return remerrors.ErrorTypeConflict
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return remerrors.ErrorTypeForbidden
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsMethodNotSupported(err):
		return remerrors.ErrorTypeInvalid
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsTooManyRequests(err), apierrors.IsInternalError(err), apierrors.IsUnexpectedServerError(err):
		return remerrors.ErrorTypeUnavailable
	case errors.Is(err, context.DeadlineExceeded), utilnet.IsConnectionRefused(err), utilnet.IsConnectionReset(err), utilnet.IsProbableEOF(err):
		return remerrors.ErrorTypeUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return remerrors.ErrorTypeUnavailable
	}
	return remerrors.ErrorTypeInternal
}
