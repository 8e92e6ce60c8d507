package logging

import (
	"go.uber.org/zap"
)

// Domain identifiers

func Conversation(id string) zap.Field {
	return zap.String("conversation_id", id)
}

func ClientTemp(id string) zap.Field {
	return zap.String("client_temp_id", id)
}

func MessageID(id int64) zap.Field {
	return zap.Int64("message_id", id)
}

// Cursor logs a (timestamp, id) watermark as a nested object.
func Cursor(ts, id int64) zap.Field {
	return zap.Dict("cursor", zap.Int64("ts", ts), zap.Int64("id", id))
}
