package preview

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	uvc "github.com/edgeimpulse/linux-uvc-go"

	"github.com/gin-gonic/gin"
)

// ServerOpts has options for NewServer.
type ServerOpts struct {
	MaxWidth  int // Default bound of /snapshot.jpg, overridable with ?w= and ?h=.
	MaxHeight int
	Stats     func() uvc.Stats // Served on /stats if set.
}

type handler struct {
	p    *Preview
	opts ServerOpts
}

// NewServer returns an HTTP handler serving the preview:
//
//	GET /health        liveness
//	GET /stats         capture counters as JSON
//	GET /snapshot.jpg  latest frame as JPEG
func NewServer(p *Preview, opts ServerOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := &handler{p: p, opts: opts}
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)
	r.GET("/snapshot.jpg", h.snapshot)
	return r
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (h *handler) stats(c *gin.Context) {
	if h.opts.Stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stats available"})
		return
	}
	accepted, dropped := h.p.Frames()
	c.JSON(http.StatusOK, gin.H{
		"capture": h.opts.Stats(),
		"preview": gin.H{"frames": accepted, "dropped": dropped},
	})
}

func (h *handler) snapshot(c *gin.Context) {
	w, err := dimension(c.Query("w"), h.opts.MaxWidth)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad width"})
		return
	}
	ht, err := dimension(c.Query("h"), h.opts.MaxHeight)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad height"})
		return
	}

	var buf bytes.Buffer
	if err := h.p.WriteJPEG(&buf, w, ht); err != nil {
		if errors.Is(err, ErrNoFrame) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

func dimension(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, errors.New("invalid dimension")
	}
	return v, nil
}
