package netstack

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// HTTP client: a poll-driven request state machine over the TCP pool.
//
// HTTPS is rejected up front. Chunked transfer-encoding is detected but not
// decoded; the body bytes of a chunked response reach the caller raw.
////////////////////////////////////////////////////////////////////////////////

const (
	httpMaxBody   = 4096
	httpUserAgent = "TinyOS/1.0"

	// httpPollBudget bounds the blocking Get/Post helpers.
	httpPollBudget = 50000
)

// Method selects the HTTP request method.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodDelete
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	}
	return "GET"
}

// HTTPState is the request lifecycle.
type HTTPState int

const (
	HTTPIdle HTTPState = iota
	HTTPDNS
	HTTPConnecting
	HTTPHeaders
	HTTPBody
	HTTPDone
	HTTPError
)

func (s HTTPState) String() string {
	switch s {
	case HTTPIdle:
		return "idle"
	case HTTPDNS:
		return "dns"
	case HTTPConnecting:
		return "connecting"
	case HTTPHeaders:
		return "headers"
	case HTTPBody:
		return "body"
	case HTTPDone:
		return "done"
	case HTTPError:
		return "error"
	}
	return fmt.Sprintf("unknown http state %d", int(s))
}

// URL is the parsed form of an http:// target.
type URL struct {
	Host  string
	Port  uint16
	Path  string
	HTTPS bool
}

// Response collects the parsed reply. Body is capped at 4 KB; overflow sets
// BodyTruncated.
type Response struct {
	StatusCode    int
	Headers       string
	Body          []byte
	BodyTruncated bool

	// ContentLength is -1 when the server sent no Content-Length header.
	ContentLength int
	Chunked       bool
}

// Request is a caller-owned in-flight request driven by HTTPPoll.
type Request struct {
	State HTTPState

	URL      URL
	Response Response

	method     Method
	body       []byte
	dnsQuery   Query
	resolvedIP [4]byte
	conn       int

	headerComplete bool
	requestSent    bool
	scratch        []byte // accumulates bytes until the header block completes
}

// ParseURL splits an absolute http(s) URL into host, port and path. Scheme
// defaults to http, path to "/".
func ParseURL(rawURL string) (URL, error) {
	u := URL{Port: 80, Path: "/"}
	rest := rawURL

	if strings.HasPrefix(rest, "https://") {
		u.HTTPS = true
		u.Port = 443
		rest = rest[len("https://"):]
	} else if strings.HasPrefix(rest, "http://") {
		rest = rest[len("http://"):]
	}

	hostEnd := len(rest)
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' || rest[i] == '/' {
			hostEnd = i
			break
		}
	}
	u.Host = rest[:hostEnd]
	if u.Host == "" {
		return URL{}, fmt.Errorf("http: url %q has no host", rawURL)
	}
	rest = rest[hostEnd:]

	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		end := len(rest)
		for i := 0; i < len(rest); i++ {
			if rest[i] < '0' || rest[i] > '9' {
				end = i
				break
			}
		}
		port, err := strconv.ParseUint(rest[:end], 10, 16)
		if err != nil {
			return URL{}, fmt.Errorf("http: parse port in %q: %w", rawURL, err)
		}
		u.Port = uint16(port)
		rest = rest[end:]
	}

	if strings.HasPrefix(rest, "/") {
		u.Path = rest
	}
	return u, nil
}

// HTTPStart begins an asynchronous request. Literal-IP hosts connect
// directly; everything else goes through DNS first.
func (s *Stack) HTTPStart(req *Request, method Method, rawURL string, body []byte) error {
	*req = Request{State: HTTPIdle, method: method, conn: -1}
	req.Response.ContentLength = -1

	u, err := ParseURL(rawURL)
	if err != nil {
		req.State = HTTPError
		return err
	}
	if u.HTTPS {
		req.State = HTTPError
		return ErrUnsupportedScheme
	}
	req.URL = u
	req.body = body

	if ip, ok := parseIPv4Literal(u.Host); ok {
		req.resolvedIP = ip
		conn, err := s.TCPConnect(ip, u.Port)
		if err != nil {
			req.State = HTTPError
			return err
		}
		req.conn = conn
		req.State = HTTPConnecting
	} else {
		s.ResolveStart(&req.dnsQuery, u.Host)
		req.State = HTTPDNS
	}

	s.log.Debug("http: request start",
		"method", method.String(),
		"host", u.Host,
		"port", u.Port,
		"path", u.Path)
	return nil
}

// buildHTTPRequest renders the request head and body into one buffer.
func buildHTTPRequest(req *Request) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.method.String(), req.URL.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", req.URL.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", httpUserAgent)
	b.WriteString("Connection: close\r\n")
	if len(req.body) > 0 {
		b.WriteString("Content-Type: text/plain\r\n")
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.body))
	}
	b.WriteString("\r\n")
	b.Write(req.body)
	return b.Bytes()
}

// parseHTTPHeaders scans req.scratch for the end-of-headers terminator.
// When found it fills in status code, Content-Length and the chunked flag,
// and returns the offset where body bytes begin.
func parseHTTPHeaders(req *Request) (bodyStart int, ok bool) {
	end := bytes.Index(req.scratch, []byte("\r\n\r\n"))
	if end < 0 {
		return 0, false
	}
	head := string(req.scratch[:end])
	resp := &req.Response

	// Status line: skip "HTTP/1.x ", read the code.
	line, _, _ := strings.Cut(head, "\r\n")
	if _, after, found := strings.Cut(line, " "); found {
		code := 0
		for i := 0; i < len(after) && after[i] >= '0' && after[i] <= '9'; i++ {
			code = code*10 + int(after[i]-'0')
		}
		resp.StatusCode = code
	}

	resp.Headers = head

	for _, hline := range strings.Split(head, "\r\n")[1:] {
		name, value, found := strings.Cut(hline, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "content-length":
			if n, err := strconv.Atoi(value); err == nil {
				resp.ContentLength = n
			}
		case "transfer-encoding":
			if strings.HasPrefix(strings.ToLower(value), "chunked") {
				resp.Chunked = true
			}
		}
	}

	return end + 4, true
}

// appendBody copies data into the response body up to the 4 KB cap.
func appendBody(resp *Response, data []byte) {
	space := httpMaxBody - len(resp.Body)
	if space <= 0 {
		if len(data) > 0 {
			resp.BodyTruncated = true
		}
		return
	}
	if len(data) > space {
		data = data[:space]
		resp.BodyTruncated = true
	}
	resp.Body = append(resp.Body, data...)
}

// HTTPPoll advances the request one step and returns the current state.
func (s *Stack) HTTPPoll(req *Request) HTTPState {
	if req.State == HTTPDone || req.State == HTTPError {
		return req.State
	}

	if req.State == HTTPDNS {
		switch s.ResolvePoll(&req.dnsQuery) {
		case QueryDone:
			req.resolvedIP = req.dnsQuery.ResultIP
			conn, err := s.TCPConnect(req.resolvedIP, req.URL.Port)
			if err != nil {
				req.State = HTTPError
			} else {
				req.conn = conn
				req.State = HTTPConnecting
			}
		case QueryError:
			req.State = HTTPError
		}
		return req.State
	}

	tcpState := s.TCPState(req.conn)

	switch req.State {
	case HTTPConnecting:
		if tcpState == TCPEstablished {
			if _, err := s.TCPSend(req.conn, buildHTTPRequest(req)); err != nil {
				req.State = HTTPError
				return req.State
			}
			req.requestSent = true
			req.State = HTTPHeaders
		} else if tcpState == TCPClosed {
			req.State = HTTPError
		}

	case HTTPHeaders, HTTPBody:
		if s.TCPDataAvailable(req.conn) {
			var buf [1024]byte
			n, err := s.TCPRecv(req.conn, buf[:])
			if err != nil {
				req.State = HTTPError
				return req.State
			}

			if !req.headerComplete {
				req.scratch = append(req.scratch, buf[:n]...)
				if bodyStart, ok := parseHTTPHeaders(req); ok {
					req.headerComplete = true
					appendBody(&req.Response, req.scratch[bodyStart:])
					req.scratch = nil
					req.State = HTTPBody
				}
			} else {
				appendBody(&req.Response, buf[:n])
			}
		}

		remoteClosed := tcpState == TCPClosed || tcpState == TCPCloseWait ||
			tcpState == TCPLastAck || tcpState == TCPTimeWait
		if remoteClosed && !s.TCPDataAvailable(req.conn) {
			req.State = HTTPDone
		} else if req.headerComplete &&
			req.Response.ContentLength >= 0 &&
			len(req.Response.Body) >= req.Response.ContentLength {
			req.State = HTTPDone
			s.TCPClose(req.conn)
		}
	}

	return req.State
}

// HTTPClose releases the request's TCP slot and resets its state.
func (s *Stack) HTTPClose(req *Request) {
	if req.conn >= 0 {
		s.TCPClose(req.conn)
		req.conn = -1
	}
	req.State = HTTPIdle
}

// httpDo polls the stack until the request settles or the budget runs out.
func (s *Stack) httpDo(req *Request) (*Response, error) {
	defer s.HTTPClose(req)

	for i := 0; i < httpPollBudget; i++ {
		s.Poll()
		switch s.HTTPPoll(req) {
		case HTTPDone:
			resp := req.Response
			return &resp, nil
		case HTTPError:
			return nil, fmt.Errorf("http: request to %s failed", req.URL.Host)
		}
	}
	return nil, fmt.Errorf("http: poll budget exhausted")
}

// HTTPGet performs a blocking GET, polling the stack internally with a
// bounded iteration budget.
func (s *Stack) HTTPGet(rawURL string) (*Response, error) {
	var req Request
	if err := s.HTTPStart(&req, MethodGet, rawURL, nil); err != nil {
		return nil, err
	}
	return s.httpDo(&req)
}

// HTTPPost performs a blocking POST with a text/plain body.
func (s *Stack) HTTPPost(rawURL string, body []byte) (*Response, error) {
	var req Request
	if err := s.HTTPStart(&req, MethodPost, rawURL, body); err != nil {
		return nil, err
	}
	return s.httpDo(&req)
}
