package redirect

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http/httpguts"

	"localhttps/internal/logging"
	"localhttps/internal/middleware"
	"localhttps/internal/observability"
)

// CAPath serves the root CA certificate.
const CAPath = "/.ca"

// Handler returns the HTTP handler: CAPath streams the CA certificate and
// every other request is redirected to HTTPS.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	if s.cfg.RequestLogging {
		r.Use(middleware.LoggingMiddleware(&logging.Logger{Logger: s.logger}, "redirect"))
	}

	r.HandleFunc(CAPath, s.serveCA)
	r.NotFound(s.redirect)
	r.MethodNotAllowed(s.redirect)
	return r
}

func (s *Server) serveCA(w http.ResponseWriter, r *http.Request) {
	// Only the exact URL serves the CA; anything with a query is redirected.
	if r.URL.RawQuery != "" || r.URL.ForceQuery {
		s.redirect(w, r)
		return
	}

	f, err := os.Open(s.cfg.CACertPath)
	if err != nil {
		s.metrics.RecordRedirectResponse(r.Context(), observability.ResponseCAMissing)
		writeText(w, http.StatusNotFound, "Not found.")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="rootCA.pem"`)
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("CA download interrupted", "error", err.Error())
	}
	s.metrics.RecordRedirectResponse(r.Context(), observability.ResponseCA)
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request) {
	target, ok := httpsURL(r, s.cfg.TargetPort)
	if !ok {
		s.metrics.RecordRedirectResponse(r.Context(), observability.ResponseForbidden)
		writeText(w, http.StatusForbidden, "403: forbidden")
		return
	}

	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusTemporaryRedirect)
	s.metrics.RecordRedirectResponse(r.Context(), observability.ResponseRedirect)
}

// httpsURL builds the https URL for r, or reports false when the Host header
// cannot form one.
func httpsURL(r *http.Request, targetPort string) (string, bool) {
	host := r.Host
	if host == "" || !httpguts.ValidHostHeader(host) {
		return "", false
	}
	if targetPort != "" {
		host = withPort(host, targetPort)
	}

	u := url.URL{
		Scheme:     "https",
		Host:       host,
		Path:       r.URL.Path,
		RawPath:    r.URL.RawPath,
		RawQuery:   encodeQuery(r.URL.RawQuery),
		ForceQuery: r.URL.ForceQuery,
	}
	if u.Path == "" {
		u.Path = "/"
	}

	if _, err := url.Parse(u.String()); err != nil {
		return "", false
	}
	return u.String(), true
}

// encodeQuery percent-encodes every byte outside the URL-safe set and any
// '%' that does not start a valid escape. Existing escapes are kept.
func encodeQuery(q string) string {
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '%' && i+2 < len(q) && isHex(q[i+1]) && isHex(q[i+2]):
			b.WriteString(q[i : i+3])
			i += 2
		case c == '%':
			b.WriteString("%25")
		case queryByteAllowed(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func queryByteAllowed(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!&'()*+,-./:;=?@[]_~", c) >= 0
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func withPort(host, port string) string {
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = strings.TrimSuffix(strings.TrimPrefix(name, "["), "]")

	if port == "443" {
		if strings.Contains(name, ":") {
			return "[" + name + "]"
		}
		return name
	}
	return net.JoinHostPort(name, port)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
