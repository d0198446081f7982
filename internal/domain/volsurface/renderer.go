package volsurface

// Renderer turns finished surfaces into output. An empty path means the renderer's default sink.
type Renderer interface {
	RenderSurface(mesh *Mesh, metrics Metrics, path string) error
	RenderComparison(c *Comparison, path string) error
	RenderTimeseries(rows []TimeseriesRow, path string) error
}
