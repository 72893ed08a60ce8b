package tenant

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/baelib/baesync/internal/bucket"
	"github.com/baelib/baesync/internal/config"
)

// newTenantRouter builds the per-tenant request handler: engine status and
// sync trigger, plus an authenticated relay onto the tenant's bucket so
// remote peers without direct bucket access can push and pull through the
// host. Relayed blobs stay sealed; the router never opens them.
func newTenantRouter(s *Session, tenant config.Tenant) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.Use(Auth(tenant.PublicKey, nil))
	{
		v1.GET("/status", func(c *gin.Context) {
			st := s.engine.Status()
			c.JSON(http.StatusOK, gin.H{
				"device_id":  s.engine.DeviceID(),
				"syncing":    st.Syncing,
				"last_sync":  st.LastSync,
				"staged_seq": st.StagedSeq,
				"last_error": st.LastError,
			})
		})

		v1.POST("/sync", func(c *gin.Context) {
			s.SyncNow()
			c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
		})

		v1.GET("/changes/:device/:seq", func(c *gin.Context) {
			seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad seq"})
				return
			}
			relayRead(c, s, bucket.ChangesetKey(c.Param("device"), seq))
		})

		v1.PUT("/changes/:device/:seq", func(c *gin.Context) {
			seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad seq"})
				return
			}
			relayWrite(c, s, bucket.ChangesetKey(c.Param("device"), seq))
			// A peer pushing through the relay usually wants its write picked
			// up promptly.
			s.SyncNow()
		})

		v1.GET("/heads/:device", func(c *gin.Context) {
			relayRead(c, s, bucket.HeadKey(c.Param("device")))
		})

		v1.PUT("/heads/:device", func(c *gin.Context) {
			relayWrite(c, s, bucket.HeadKey(c.Param("device")))
		})

		v1.GET("/snapshots", func(c *gin.Context) {
			refs, err := s.store.ListSnapshots(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": "bucket unavailable"})
				return
			}
			out := make([]gin.H, 0, len(refs))
			for _, ref := range refs {
				out = append(out, gin.H{"device_id": ref.DeviceID, "seq": ref.Seq})
			}
			c.JSON(http.StatusOK, gin.H{"snapshots": out})
		})

		v1.GET("/snapshots/:device/:seq", func(c *gin.Context) {
			seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad seq"})
				return
			}
			relayRead(c, s, bucket.SnapshotKey(c.Param("device"), seq))
		})
	}
	return r
}

func relayRead(c *gin.Context, s *Session, key string) {
	data, err := s.store.Bucket().Read(c.Request.Context(), key)
	if err == bucket.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "bucket unavailable"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func relayWrite(c *gin.Context, s *Session, key string) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 256<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if err := s.store.Bucket().Write(c.Request.Context(), key, data); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "bucket unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}
