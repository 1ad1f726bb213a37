package broadcast

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/traylinx/vdmtel/internal/metrics"
)

// Status is the body of GET /status.
type Status struct {
	Ring    RingStatus        `json:"ring"`
	Clients int               `json:"clients"`
	Active  bool              `json:"active"`
	Addr    string            `json:"addr,omitempty"`
	Path    string            `json:"path"`
	Metrics *metrics.Snapshot `json:"metrics"`
}

// RingStatus describes the frame buffer.
type RingStatus struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Dropped   uint64 `json:"dropped"`
	LatestSeq uint64 `json:"latest_seq"`
}

func (b *Broadcaster) newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(b.opts.Path, b.handleWebsocket)
	engine.GET("/status", b.handleStatus)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return engine
}

// Status returns the current broadcaster and ring state.
func (b *Broadcaster) Status() Status {
	return Status{
		Ring: RingStatus{
			Size:      b.ring.Size(),
			Capacity:  b.ring.Cap(),
			Dropped:   b.ring.Dropped(),
			LatestSeq: b.ring.LatestSeq(),
		},
		Clients: b.ClientCount(),
		Active:  b.Active(),
		Addr:    b.Addr(),
		Path:    b.opts.Path,
		Metrics: b.metrics.Snapshot(),
	}
}

func (b *Broadcaster) handleStatus(c *gin.Context) {
	body, err := json.Marshal(b.Status())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
