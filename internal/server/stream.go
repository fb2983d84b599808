package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vecagent/internal/codec"
	"vecagent/internal/stream"
	"vecagent/pkg/logger"
)

// inbound is a frame as read off the socket; the payload is decoded by the
// worker so a bad frame fails alone.
type inbound struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
	err       error
}

// serveStream upgrades the request and runs fn over every inbound frame.
// Responses are written as they complete, possibly out of request order.
func serveStream[Q, R any](s *Server, c *gin.Context, fn func(ctx context.Context, req Q) (R, error)) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Failed to upgrade stream", "path", c.FullPath(), "error", err)
		return
	}
	defer conn.Close()

	frames := codec.JSON[inbound]{}
	payloads := codec.JSON[Q]{}

	recv := func() (inbound, error) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return inbound{}, io.EOF
			}
			return inbound{}, err
		}
		in, err := frames.Decode(data)
		if err != nil {
			in = inbound{err: err}
		}
		if in.RequestID == "" {
			in.RequestID = uuid.NewString()
		}
		return in, nil
	}

	handle := func(ctx context.Context, in inbound) (StreamResponse, error) {
		out := StreamResponse{RequestID: in.RequestID, Status: http.StatusOK}
		if in.err != nil {
			out.Status, out.Error = http.StatusBadRequest, in.err.Error()
			return out, nil
		}
		req, err := payloads.Decode(in.Payload)
		if err != nil {
			out.Status, out.Error = http.StatusBadRequest, err.Error()
			return out, nil
		}
		res, err := fn(ctx, req)
		if err != nil {
			out.Status, out.Error = statusOf(err), err.Error()
			return out, nil
		}
		out.Result = res
		return out, nil
	}

	send := func(out StreamResponse, err error) error {
		if err != nil {
			out = StreamResponse{Status: http.StatusInternalServerError, Error: err.Error()}
		}
		return conn.WriteJSON(out)
	}

	ctx := c.Request.Context()
	if err := stream.Bidirectional(ctx, s.concurrency, recv, send, handle); err != nil {
		logger.Warn("Stream ended with error", "path", c.FullPath(), "error", err)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) handleStreamSearch() gin.HandlerFunc {
	return func(c *gin.Context) {
		serveStream(s, c, func(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
			return s.search(ctx, req)
		})
	}
}

func (s *Server) handleStreamObject() gin.HandlerFunc {
	return func(c *gin.Context) {
		serveStream(s, c, func(ctx context.Context, req GetObjectRequest) (*ObjectResponse, error) {
			return s.getObject(ctx, req.ID)
		})
	}
}

func (s *Server) streamWrite(write writeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		serveStream(s, c, func(ctx context.Context, req ObjectRequest) (ObjectLocation, error) {
			return ObjectLocation{ID: req.ID}, write(ctx, req.ID, req.Vector)
		})
	}
}

func (s *Server) handleStreamInsert() gin.HandlerFunc {
	return s.streamWrite(s.agent.Insert)
}

func (s *Server) handleStreamUpdate() gin.HandlerFunc {
	return s.streamWrite(s.agent.Update)
}

func (s *Server) handleStreamUpsert() gin.HandlerFunc {
	return s.streamWrite(s.agent.Upsert)
}

func (s *Server) handleStreamRemove() gin.HandlerFunc {
	return func(c *gin.Context) {
		serveStream(s, c, func(ctx context.Context, req RemoveRequest) (ObjectLocation, error) {
			return ObjectLocation{ID: req.ID}, s.agent.Remove(ctx, req.ID)
		})
	}
}
