package capnweb

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// websocketSender implements Sender by writing one text frame per Message
// onto a gorilla/websocket connection, serializing concurrent writers since
// a Session may settle several pulled promises from different goroutines.
type websocketSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *websocketSender) Send(m Message) error {
	line, rerr := EncodeMessage(m)
	if rerr != nil {
		return rerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// batchSender implements Sender by appending each Message as a line to an
// in-memory buffer, used by the HTTP batch transport where every message
// produced while handling one request body is flushed as the response.
type batchSender struct {
	mu    sync.Mutex
	lines []string
}

func (s *batchSender) Send(m Message) error {
	line, rerr := EncodeMessage(m)
	if rerr != nil {
		return rerr
	}
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return nil
}

func (s *batchSender) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

// SetupRpcEndpoint wires up both the WebSocket and HTTP-batch transports
// for a capability-based session rooted at main, the way the original
// naive endpoint wired a single RpcSession to both transports.
func SetupRpcEndpoint(e *echo.Echo, path string, newMain func() RpcTarget) {
	// WebSocket endpoint: one Session per connection, messages processed
	// as they arrive, outgoing frames written back over the same socket.
	e.GET(path, func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return err
		}
		defer conn.Close()

		sender := &websocketSender{conn: conn}
		session := NewSession(newMain(), sender)
		log.Println("capnweb: session opened")
		defer log.Println("capnweb: session closed")

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("capnweb: websocket error: %v", err)
				}
				break
			}

			msg, rerr := DecodeMessage(string(raw))
			if rerr != nil {
				log.Printf("capnweb: bad request: %v", rerr)
				continue
			}
			if err := session.HandleMessage(msg); err != nil {
				log.Printf("capnweb: error handling message: %v", err)
			}
		}
		return nil
	})

	// HTTP batch endpoint: one Session per request, the whole body is a
	// sequence of newline-delimited pushes/pulls, and every outgoing
	// message produced while draining it is joined back as the response.
	e.POST(path, func(c echo.Context) error {
		c.Response().Header().Set("Content-Type", "text/plain")
		defer c.Request().Body.Close()

		sender := &batchSender{}
		session := NewSession(newMain(), sender)

		scanner := NewlineScanner(c.Request().Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			msg, rerr := DecodeMessage(line)
			if rerr != nil {
				log.Printf("capnweb: bad request in batch: %v", rerr)
				continue
			}
			if err := session.HandleMessage(msg); err != nil {
				log.Printf("capnweb: error handling batch message: %v", err)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("capnweb: error reading request body: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "error reading request body")
		}

		return c.String(http.StatusOK, sender.body())
	})
}

// SetupEchoServer creates and configures an Echo server with common middleware.
func SetupEchoServer() *echo.Echo {
	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.HideBanner = true

	return e
}
