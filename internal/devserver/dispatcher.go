package devserver

import (
	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/protocol"
)

// MessageHandler handles one decoded client message on a connection. msg
// holds the value protocol.ParseClientMessage produced for its type, e.g.
// protocol.SubscribeMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher maps client message types to handlers. Pings never reach
// a handler; anything that fails to parse or has no handler gets an error
// frame back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register sets the handler for msgType, replacing any earlier one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch decodes one text frame from conn and hands it to its handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case err != nil:
		d.logger.Debug("parse error", zap.String("conn_id", conn.ID), zap.Error(err))
		sendError(conn, d.logger, "parse_error", "invalid message format")
	case msgType == protocol.TypePing:
		reply(conn, d.logger, protocol.TypePong, protocol.PongMsg{})
	default:
		handle, ok := d.handlers[msgType]
		if !ok {
			d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn_id", conn.ID))
			sendError(conn, d.logger, "unsupported_type", "unsupported message type")
			return
		}
		handle(conn, msg)
	}
}

// sendError replies with an error frame. Failures are only logged; the read
// loop notices a dead connection on its own.
func sendError(conn *Connection, logger *zap.Logger, code, message string) {
	reply(conn, logger, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func reply(conn *Connection, logger *zap.Logger, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Warn("encode reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		logger.Debug("write reply", zap.String("type", msgType), zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
