package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"board-sync/domain"
	"board-sync/engine"
)

const defaultHeartbeat = 20 * time.Second

var errStreamUnsupported = errors.New("stream unsupported")

// streamBoard pushes the board over server-sent events: a "board" event with
// the full snapshot after every change and a "notification" event for each
// remote change worth showing to the user.
func (h *handlers) streamBoard(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return h.fail(c, "stream", http.StatusInternalServerError, errStreamUnsupported)
	}

	changes, stopChanges := v.Changes()
	defer stopChanges()
	notes, stopNotes := v.Notifications()
	defer stopNotes()

	res.WriteHeader(http.StatusOK)
	if err := writeBoard(res, v); err != nil {
		return nil
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			err = writeBoard(res, v)
		case n := <-notes:
			err = writeNotification(res, n)
		case <-heartbeat.C:
			_, err = io.WriteString(res, ": ping\n\n")
		}
		if err != nil {
			h.logger.WithError(err).WithField("board", v.BoardID()).Debug("board stream closed")
			return nil
		}
		flusher.Flush()
	}
}

func writeBoard(w io.Writer, v *engine.View) error {
	data, err := sonic.Marshal(viewResponse(v))
	if err != nil {
		return err
	}
	return writeEvent(w, "board", data)
}

func writeNotification(w io.Writer, n domain.Notification) error {
	data, err := sonic.Marshal(n)
	if err != nil {
		return err
	}
	return writeEvent(w, "notification", data)
}

func writeEvent(w io.Writer, event string, data []byte) error {
	if _, err := io.WriteString(w, "event: "+event+"\ndata: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}
