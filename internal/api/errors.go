package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/hubmesh/hubmesh/internal/ippool"
	"github.com/hubmesh/hubmesh/internal/lease"
	"github.com/hubmesh/hubmesh/internal/partition"
	"github.com/hubmesh/hubmesh/internal/provision"
	"github.com/hubmesh/hubmesh/internal/resultbuf"
	"github.com/hubmesh/hubmesh/internal/store"
	"github.com/hubmesh/hubmesh/internal/wgconf"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeDomainError maps domain errors to HTTP status codes per the
// control API contract.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		return
	}

	var valErr provision.ValidationError
	if errors.As(err, &valErr) {
		WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", valErr.Error())
		return
	}

	var dupErr provision.DuplicatePeerError
	if errors.As(err, &dupErr) {
		WriteErrorDetails(w, http.StatusConflict, "DUPLICATE_PEER", dupErr.Error(), dupErr.Existing)
		return
	}

	var exhErr *ippool.PoolExhaustedError
	if errors.As(err, &exhErr) {
		WriteError(w, http.StatusServiceUnavailable, "IP_POOL_EXHAUSTED", exhErr.Error())
		return
	}

	var naErr lease.TaskNotAvailableError
	if errors.As(err, &naErr) {
		WriteError(w, http.StatusConflict, "TASK_NOT_AVAILABLE", naErr.Error())
		return
	}

	var cmErr lease.CapabilityMismatchError
	if errors.As(err, &cmErr) {
		WriteErrorDetails(w, http.StatusUnprocessableEntity, "CAPABILITY_MISMATCH", cmErr.Error(),
			map[string]any{
				"required": cmErr.Required,
				"provided": cmErr.Provided,
				"deficits": cmErr.Deficits,
			})
		return
	}

	var fullErr resultbuf.BufferFullError
	if errors.As(err, &fullErr) {
		WriteError(w, http.StatusServiceUnavailable, "BUFFER_FULL", fullErr.Error())
		return
	}

	var partErr partition.PartitionedError
	if errors.As(err, &partErr) {
		WriteError(w, http.StatusServiceUnavailable, "PARTITIONED", partErr.Error())
		return
	}

	if errors.Is(err, wgconf.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "peer not found")
		return
	}
	if errors.Is(err, store.ErrLeaseNotFound) || errors.Is(err, store.ErrTaskNotFound) ||
		errors.Is(err, store.ErrRecordNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	var rlErr *wgconf.ReloadFailedError
	if errors.As(err, &rlErr) {
		WriteError(w, http.StatusInternalServerError, "RELOAD_FAILED", rlErr.Error())
		return
	}

	WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}
