package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gocql/gocql"
	"github.com/lib/pq"

	"market-chat/internal/errs"
)

const (
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
	pqNotNullViolation    = "23502"
)

// classify maps driver errors onto the errs kinds the session layer acts on.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var kinded *errs.Error
	if errors.As(err, &kinded) {
		return err
	}
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, gocql.ErrNotFound) {
		return errs.Wrap(errs.ErrNotFound, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqForeignKeyViolation:
			return &errs.Error{Kind: errs.ErrNotFound, Op: op, Msg: "listing or participant not found", Err: err}
		case pqCheckViolation, pqNotNullViolation:
			return &errs.Error{Kind: errs.ErrValidation, Op: op, Msg: "invalid message", Err: err}
		}
		// connection exceptions, operator intervention, insufficient resources
		switch pqErr.Code.Class() {
		case "08", "57", "53":
			return errs.Transient(op, err)
		}
		return err
	}

	if isTransient(err) {
		return errs.Transient(op, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, gocql.ErrNoConnections) ||
		errors.Is(err, gocql.ErrTimeoutNoResponse) ||
		errors.Is(err, gocql.ErrConnectionClosed) {
		return true
	}
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeUnavailable, gocql.ErrCodeWriteTimeout, gocql.ErrCodeReadTimeout, gocql.ErrCodeOverloaded:
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
