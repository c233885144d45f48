package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
)

// Inbound frames larger than this are rejected without decoding the message.
const maxInboundFrameBytes = 1 << 20

// maxDecodeErrorsPerConn bounds garbage tolerated on one websocket before the
// connection is dropped.
const maxDecodeErrorsPerConn = 5

// inboundHandleTimeout bounds processing of one accepted frame.
const inboundHandleTimeout = 30 * time.Second

// Receiver consumes validated inbound frames.
type Receiver interface {
	Receive(ctx context.Context, frame Frame) error
}

// NewInboundHandler creates the peer-facing routes: POST / accepts one frame
// per request, /ws accepts a stream of frames over one connection, and /up
// reports liveness.
func NewInboundHandler(receiver Receiver) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleInboundPost(w, r, receiver)
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleInboundWS(conn, receiver)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleInboundPost(w http.ResponseWriter, r *http.Request, receiver Receiver) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundFrameBytes+1))
	if err != nil {
		http.Error(w, "read frame", http.StatusBadRequest)
		return
	}
	if len(body) > maxInboundFrameBytes {
		http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
		return
	}

	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		http.Error(w, "invalid frame payload", http.StatusBadRequest)
		return
	}
	if err := validateFrame(frame); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Accept, then process off-request. Handling a message can itself send
	// messages back to the peer; doing that inside the peer's own request
	// would chain the two agents' round trips together.
	w.WriteHeader(http.StatusAccepted)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), inboundHandleTimeout)
		defer cancel()
		if err := receiver.Receive(ctx, frame); err != nil {
			log.Printf("transport: inbound frame for relationship %s failed: %v", frame.RelationshipID, err)
		}
	}()
}

func handleInboundWS(conn *websocket.Conn, receiver Receiver) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if err := validateFrame(frame); err != nil {
			log.Printf("transport: dropping invalid websocket frame: %v", err)
			continue
		}
		if err := receiver.Receive(ctx, frame); err != nil {
			log.Printf("transport: websocket frame for relationship %s failed: %v", frame.RelationshipID, err)
		}
	}
}

func validateFrame(frame Frame) error {
	if strings.TrimSpace(frame.RelationshipID) == "" {
		return errors.New("frame relationship_id is required")
	}
	if len(frame.Message) == 0 {
		return errors.New("frame message is required")
	}
	return nil
}
