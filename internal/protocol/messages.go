package protocol

// Carried by [CmdError] responses.
type ErrorResult struct {
	Message string `json:"message"`
}

// Carried by [CmdBuild].
type BuildRequest struct {
	Recipe     string `json:"recipe"`     // Recipe text.
	ContextDir string `json:"contextDir"` // Directory COPY sources resolve against.
	Tag        string `json:"tag,omitempty"`
}

type BuildResult struct {
	Digest string   `json:"digest"`
	Layers int      `json:"layers"`
	Output []string `json:"output,omitempty"` // RUN step output lines.
}

// Carried by [CmdImagePull].
type ImagePullRequest struct {
	Ref string `json:"ref"`
}

type ImagePullResult struct {
	Digest        string `json:"digest"`
	LayersFetched int    `json:"layersFetched"`
}

// Carried by [CmdImagePush].
type ImagePushRequest struct {
	Ref    string `json:"ref"`
	Source string `json:"source,omitempty"` // Tag or digest to push. Empty pushes ref itself.
}

type ImagePushResult struct {
	BlobsUploaded int `json:"blobsUploaded"`
}

// Carried by [CmdImageTag].
type ImageTagRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"` // Tag or digest the name should point at.
}

type ImageTagResult struct {
	Name   string `json:"name"` // Normalized name.
	Digest string `json:"digest"`
}

// Carried by [CmdImageRemove].
type ImageRemoveRequest struct {
	Ref string `json:"ref"` // Tag or digest.
}

// Carried by [CmdImageList] responses.
type ImageSummary struct {
	Digest string   `json:"digest"`
	Tags   []string `json:"tags,omitempty"`
	Layers int      `json:"layers"`
	Size   int64    `json:"size"` // Sum of compressed layer sizes in bytes.
}

type ImageListResult struct {
	Images []ImageSummary `json:"images"`
}

// Carried by [CmdContainerCreate].
type ContainerCreateRequest struct {
	Image string `json:"image"` // Tag or digest.
	Name  string `json:"name,omitempty"`
}

type ContainerCreateResult struct {
	ID string `json:"id"`
}

// Carried by [CmdContainerStart], [CmdContainerRemove] and
// [CmdContainerStatus].
type ContainerRequest struct {
	ID string `json:"id"`
}

// Carried by [CmdContainerStop].
type ContainerStopRequest struct {
	ID             string `json:"id"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type ContainerStatusResult struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Image    string `json:"image"`
	State    string `json:"state"`
	ExitCode int    `json:"exitCode"`
}

// Carried by [CmdContainerLogs]. The response is a stream of [CmdLog]
// envelopes followed by a final ok.
type ContainerLogsRequest struct {
	ID     string `json:"id"`
	Follow bool   `json:"follow,omitempty"`
}

type LogLine struct {
	Line string `json:"line"`
}

// Carried by [CmdStatus] responses.
type StatusResult struct {
	Running    bool   `json:"running"`
	Version    string `json:"version"`
	Pid        int    `json:"pid"`
	Uptime     string `json:"uptime"`
	Builds     int    `json:"builds"`
	Images     int    `json:"images"`
	Containers int    `json:"containers"`
	StoreSize  string `json:"storeSize"` // Humanized total blob size.
}

// Carried by [CmdGC] responses.
type GCResult struct {
	LayersDeleted int    `json:"layersDeleted"`
	Reclaimed     string `json:"reclaimed"` // Humanized bytes reclaimed.
}
