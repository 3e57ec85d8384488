package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"

	"github.com/kilnhq/kilnd/internal"
	"github.com/kilnhq/kilnd/internal/build"
	"github.com/kilnhq/kilnd/internal/protocol"
)

// Stop grace period used when the client does not specify one.
const defaultStopTimeout = 10 * time.Second

// Writes an error envelope.
func (s *Server) fail(conn net.Conn, err error) {
	s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
}

// Resolves a tag or digest string to an image digest.
func (s *Server) resolveImage(ref string) (digest.Digest, error) {
	if dgst, err := digest.Parse(ref); err == nil {
		return dgst, nil
	}
	return s.tags.Resolve(ref)
}

// Handles a build command.
//
// Parses the recipe from the request and executes it against the local
// stores. RUN step output is returned with the result.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	recipe, err := build.ParseRecipe(strings.NewReader(req.Recipe))
	if err != nil {
		s.fail(conn, err)
		return
	}

	var output strings.Builder
	img, err := s.builder.Build(ctx, build.Request{
		Recipe:     recipe,
		ContextDir: req.ContextDir,
		Tag:        req.Tag,
		Output:     &output,
	})
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	var lines []string
	if out := strings.TrimRight(output.String(), "\n"); out != "" {
		lines = strings.Split(out, "\n")
	}
	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		Digest: img.Digest.String(),
		Layers: len(img.Manifest.Layers),
		Output: lines,
	})
}

// Handles an image pull command. The pulled image is tagged with the
// requested reference.
func (s *Server) handleImagePull(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImagePullRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	summary, err := s.registry.Pull(ctx, req.Ref)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if _, err := s.tags.Set(req.Ref, summary.Image.Digest); err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.ImagePullResult{
		Digest:        summary.Image.Digest.String(),
		LayersFetched: summary.LayersFetched,
	})
}

// Handles an image push command.
func (s *Server) handleImagePush(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImagePushRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	source := req.Source
	if source == "" {
		source = req.Ref
	}
	dgst, err := s.resolveImage(source)
	if err != nil {
		s.fail(conn, err)
		return
	}

	summary, err := s.registry.Push(ctx, req.Ref, dgst)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.ImagePushResult{BlobsUploaded: summary.BlobsUploaded})
}

// Handles an image tag command.
func (s *Server) handleImageTag(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageTagRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	dgst, err := s.resolveImage(req.Target)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if _, err := s.images.Get(dgst); err != nil {
		s.fail(conn, err)
		return
	}

	name, err := s.tags.Set(req.Name, dgst)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.ImageTagResult{Name: name, Digest: dgst.String()})
}

// Handles an image remove command.
//
// Removing a tag only deletes the image record once no other tag points
// at it. Removing by digest deletes the record and all its tags.
func (s *Server) handleImageRemove(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageRemoveRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	dgst, err := digest.Parse(req.Ref)
	byTag := err != nil
	if byTag {
		dgst, err = s.tags.Resolve(req.Ref)
		if err != nil {
			s.fail(conn, err)
			return
		}
		if err := s.tags.Remove(req.Ref); err != nil {
			s.fail(conn, err)
			return
		}
	}

	remaining, err := s.tags.TagsFor(dgst)
	if err != nil {
		s.fail(conn, err)
		return
	}

	if byTag && len(remaining) > 0 {
		s.respond(conn, protocol.CmdOK, nil)
		return
	}
	for _, name := range remaining {
		if err := s.tags.Remove(name); err != nil {
			s.fail(conn, err)
			return
		}
	}
	if err := s.images.Remove(dgst); err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles an image list command.
func (s *Server) handleImageList(conn net.Conn) {
	images, err := s.images.List()
	if err != nil {
		s.fail(conn, err)
		return
	}

	result := protocol.ImageListResult{Images: make([]protocol.ImageSummary, 0, len(images))}
	for _, img := range images {
		tags, err := s.tags.TagsFor(img.Digest)
		if err != nil {
			s.fail(conn, err)
			return
		}

		var size int64
		for _, desc := range img.Manifest.Layers {
			size += desc.Size
		}
		result.Images = append(result.Images, protocol.ImageSummary{
			Digest: img.Digest.String(),
			Tags:   tags,
			Layers: len(img.Manifest.Layers),
			Size:   size,
		})
	}

	s.respond(conn, protocol.CmdOK, &result)
}

// Handles a container create command.
func (s *Server) handleContainerCreate(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerCreateRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	dgst, err := s.resolveImage(req.Image)
	if err != nil {
		s.fail(conn, err)
		return
	}

	c, err := s.runtime.Create(dgst, req.Name)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.ContainerCreateResult{ID: c.ID})
}

// Handles a container start command.
//
// The container must outlive this exchange, so the disconnect-cancelled
// context is deliberately not used for the process itself.
func (s *Server) handleContainerStart(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	if err := s.runtime.Start(context.WithoutCancel(ctx), req.ID); err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a container stop command.
func (s *Server) handleContainerStop(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerStopRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	timeout := defaultStopTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	if err := s.runtime.Stop(ctx, req.ID, timeout); err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a container remove command.
func (s *Server) handleContainerRemove(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	if err := s.runtime.Remove(req.ID); err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a container status command.
func (s *Server) handleContainerStatus(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	status, err := s.runtime.Status(req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.ContainerStatusResult{
		ID:       status.ID,
		Name:     status.Name,
		Image:    status.Image.String(),
		State:    string(status.State),
		ExitCode: status.ExitCode,
	})
}

// Handles a container logs command.
//
// Streams one log envelope per line, then a final ok. With follow the
// stream runs until the container's log closes or the client disconnects.
func (s *Server) handleContainerLogs(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerLogsRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	log, err := s.runtime.Logs(req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}

	for line := range log.Stream(ctx, req.Follow) {
		s.respond(conn, protocol.CmdLog, &protocol.LogLine{Line: line})
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	images, err := s.images.List()
	if err != nil {
		s.fail(conn, err)
		return
	}
	size, err := s.layers.Size()
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running:    true,
		Version:    internal.VersionString(),
		Pid:        os.Getpid(),
		Uptime:     uptime.String(),
		Builds:     builds,
		Images:     len(images),
		Containers: len(s.runtime.List()),
		StoreSize:  units.HumanSize(float64(size)),
	})
}

// Handles a garbage collection command.
//
// Deletes unreferenced layer blobs and prunes their unpacked directories.
func (s *Server) handleGC(conn net.Conn) {
	before, err := s.layers.Size()
	if err != nil {
		s.fail(conn, err)
		return
	}

	deleted, err := s.layers.GC()
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.unpacker.Prune(); err != nil {
		s.fail(conn, err)
		return
	}

	after, err := s.layers.Size()
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.GCResult{
		LayersDeleted: len(deleted),
		Reclaimed:     units.HumanSize(float64(before - after)),
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
