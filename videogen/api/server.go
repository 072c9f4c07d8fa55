package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/videotuna/wanvideo/envconfig"
	"github.com/videotuna/wanvideo/format"
	"github.com/videotuna/wanvideo/ml"
	"github.com/videotuna/wanvideo/videogen"
	"github.com/videotuna/wanvideo/videogen/models/wan"
	"github.com/videotuna/wanvideo/videogen/scheduler"
)

var ErrQueueFull = errors.New("server busy, too many queued generations")

const thumbnailSize = 256

// Pipeline is the generation backend, normally a *wan.T2V on rank 0.
type Pipeline interface {
	Config() *wan.Config
	Generate(ctx context.Context, req wan.GenerateRequest) (*ml.Tensor, error)
}

type Config struct {
	// Dir receives one directory per generation.
	Dir string
	// MaxQueue bounds generations accepted but not yet finished.
	MaxQueue int
	// KeepOutputs is how many finished generations are retained.
	KeepOutputs int
	// OffloadModel is the default for requests that do not set it.
	OffloadModel bool
	Origins      []string
}

type Server struct {
	pipeline Pipeline
	outputs  *Store
	sem      *semaphore.Weighted
	cfg      Config
}

func NewServer(p Pipeline, cfg Config) *Server {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = int(envconfig.MaxQueue())
	}
	if cfg.KeepOutputs <= 0 {
		cfg.KeepOutputs = int(envconfig.KeepOutputs())
	}
	if len(cfg.Origins) == 0 {
		cfg.Origins = envconfig.Origins()
	}

	return &Server{
		pipeline: p,
		outputs:  NewStore(cfg.KeepOutputs),
		sem:      semaphore.NewWeighted(int64(cfg.MaxQueue)),
		cfg:      cfg,
	}
}

func (s *Server) Outputs() *Store { return s.outputs }

func (s *Server) Handler() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowOrigins = s.cfg.Origins

	r := gin.Default()
	r.Use(cors.New(config))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "wanvideo is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "wanvideo is running") })

	r.GET("/api/config", s.ConfigHandler)
	r.POST("/api/generate", s.GenerateHandler)
	r.GET("/api/outputs", s.ListHandler)
	r.GET("/api/outputs/:id", s.ShowHandler)
	r.DELETE("/api/outputs/:id", s.DeleteHandler)
	r.GET("/api/outputs/:id/files/*file", s.FileHandler)
	return r
}

// Serve runs the API on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, p Pipeline, cfg Config) error {
	s := NewServer(p, cfg)
	srv := &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	slog.Info("Listening on", "addr", ln.Addr(), "outputs", cfg.Dir)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ConfigHandler(c *gin.Context) {
	cfg := s.pipeline.Config()
	c.JSON(http.StatusOK, ConfigResponse{
		Model:    cfg.Name,
		Size:     wan.Size{Width: cfg.Width, Height: cfg.Height}.String(),
		FPS:      cfg.SampleFPS,
		Solvers:  scheduler.Solvers(),
		Defaults: DefaultOptions(cfg, s.cfg.OffloadModel),
	})
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	genReq, err := req.toRequest(s.pipeline.Config(), s.cfg.OffloadModel)
	if err == nil {
		err = genReq.Validate(s.pipeline.Config())
	}
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !s.sem.TryAcquire(1) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": ErrQueueFull.Error()})
		return
	}

	ctx := c.Request.Context()
	ch := make(chan any)
	go func() {
		defer close(ch)
		defer s.sem.Release(1)

		send := func(v any) bool {
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		send(ProgressResponse{ID: id.String(), Status: "queued"})
		genReq.Progress = func(step, total int) {
			send(ProgressResponse{ID: id.String(), Status: "sampling", Completed: step, Total: total})
		}

		out, err := s.generate(ctx, id.String(), req, genReq, send)
		if err != nil {
			slog.Error("generation failed", "id", id, "error", err)
			send(err)
			return
		}
		send(out)
	}()

	if req.Stream != nil && !*req.Stream {
		for v := range ch {
			switch r := v.(type) {
			case *Output:
				c.JSON(http.StatusOK, r)
				return
			case error:
				c.JSON(statusFor(r), gin.H{"error": r.Error()})
				return
			}
		}
		return
	}

	streamEvents(c, ch)
}

// generate runs the pipeline and stores the result under id.
func (s *Server) generate(ctx context.Context, id string, req GenerateRequest, genReq wan.GenerateRequest, send func(any) bool) (*Output, error) {
	start := time.Now()
	video, err := s.pipeline.Generate(ctx, genReq)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, errors.New("pipeline returned no video")
	}

	frames := video.Dim(1)
	send(ProgressResponse{ID: id, Status: "writing", Total: frames})

	dir := filepath.Join(s.cfg.Dir, id)
	paths, err := videogen.Save(ctx, dir, "video", video, s.pipeline.Config().SampleFPS, func(i int) {
		send(ProgressResponse{ID: id, Status: "writing", Completed: i + 1, Total: frames})
	})
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}

	files := make([]string, len(paths))
	for i, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, err
		}
		files[i] = filepath.ToSlash(rel)
	}

	out := &Output{
		ID:        id,
		Prompt:    req.Prompt,
		Size:      genReq.Size.String(),
		Frames:    video.Dim(1),
		Files:     files,
		CreatedAt: start,
		Duration:  time.Since(start),
		dir:       dir,
	}

	if frame, err := videogen.Frame(video, 0); err == nil {
		if out.Thumbnail, err = videogen.EncodeImageBase64(videogen.Thumbnail(frame, thumbnailSize)); err != nil {
			slog.Warn("failed to encode thumbnail", "id", id, "error", err)
		}
	}

	for _, old := range s.outputs.Add(out) {
		slog.Debug("evicted output", "id", old.ID)
	}

	slog.Info("generation stored", "id", id, "frames", out.Frames, "files", len(files),
		"duration", format.ExactDuration(out.Duration))
	return out, nil
}

// streamEvents writes values from ch as server-sent events until ch is
// closed.
func streamEvents(c *gin.Context, ch chan any) {
	c.Stream(func(w io.Writer) bool {
		v, ok := <-ch
		if !ok {
			return false
		}

		switch r := v.(type) {
		case ProgressResponse:
			c.SSEvent("progress", r)
		case *Output:
			c.SSEvent("done", r)
		case error:
			c.SSEvent("error", gin.H{"error": r.Error()})
		}
		return true
	})
}

func (s *Server) ListHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"outputs": s.outputs.List()})
}

func (s *Server) ShowHandler(c *gin.Context) {
	o, ok := s.outputs.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("output %q not found", c.Param("id"))})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) DeleteHandler(c *gin.Context) {
	if !s.outputs.Delete(c.Param("id")) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("output %q not found", c.Param("id"))})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) FileHandler(c *gin.Context) {
	o, ok := s.outputs.Get(c.Param("id"))
	file := strings.TrimPrefix(c.Param("file"), "/")
	if !ok || !slices.Contains(o.Files, file) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.File(filepath.Join(o.dir, filepath.FromSlash(file)))
}

func statusFor(err error) int {
	var (
		cfgErr *wan.ConfigurationError
		resErr *wan.ResourceExhaustionError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &resErr), errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
