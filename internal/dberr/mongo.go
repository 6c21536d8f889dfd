package dberr

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
)

// FromMongo translates a driver error into a DatabaseError carrying the
// given operation code. Duplicate keys, timeouts, and missing documents map
// to their own codes regardless of the operation that hit them.
func FromMongo(opCode string, err error) *DatabaseError {
	if err == nil {
		return nil
	}
	var de *DatabaseError
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return Wrap(CodeNotFound, "document not found", err)
	case mongo.IsDuplicateKeyError(err):
		return Wrap(CodeDuplicateKey, "unique constraint violated", err)
	case errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err):
		return Wrap(CodeQueryTimeout, "max execution time exceeded", err)
	case mongo.IsNetworkError(err):
		return Wrap(CodeConnectionLost, "storage connection lost", err)
	default:
		return Wrap(opCode, "storage operation failed", err)
	}
}
