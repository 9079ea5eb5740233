// Package log configures logging and holds shared field helpers.
package log

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Field names used across the server.
const (
	DocumentID = "document_id"
	SessionID  = "session_id"
	UserID     = "user_id"
)

// SetLogger sets the default logger's level and formatter.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(ParseLevel(level))
}

// ParseLevel maps a level name to a logrus level. Unknown names fall back
// to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Document returns fields identifying a document and session.
func Document(documentID, sessionID string) logrus.Fields {
	return logrus.Fields{
		DocumentID: documentID,
		SessionID:  sessionID,
	}
}
