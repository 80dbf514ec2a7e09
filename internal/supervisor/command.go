package supervisor

// CaptureSpec describes one capture invocation.
type CaptureSpec struct {
	Tool      string // resolved capture tool path
	Interface string
	Filter    string // opaque, passed through as a single argument
	ExtraArgs []string

	// ElevationTool is the resolved elevation wrapper path; empty means the
	// capture tool runs directly.
	ElevationTool string
	Secret        string
}

// CaptureArgs returns the capture tool arguments: interface selection,
// line-buffered output, numeric addresses, full-length snapshots, filter.
func CaptureArgs(spec CaptureSpec) []string {
	args := []string{"-i", spec.Interface, "-l", "-n", "-s", "0"}
	args = append(args, spec.ExtraArgs...)
	if spec.Filter != "" {
		args = append(args, spec.Filter)
	}
	return args
}

// BuildCaptureCommand builds the command line for spec. When elevated, the
// wrapper reads the secret from stdin with an empty prompt.
func BuildCaptureCommand(spec CaptureSpec) Command {
	args := CaptureArgs(spec)
	if spec.ElevationTool == "" {
		return Command{Path: spec.Tool, Args: args}
	}
	wrapped := append([]string{"-S", "-p", "", "-k", "--", spec.Tool}, args...)
	return Command{
		Path:  spec.ElevationTool,
		Args:  wrapped,
		Stdin: []byte(spec.Secret + "\n"),
	}
}
