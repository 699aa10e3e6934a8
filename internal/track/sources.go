package track

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"strings"
)

// InterfaceSource tracks a network interface's administrative/carrier
// state (spec.md section 4.3, "interface link state").
type InterfaceSource struct {
	Name string
}

// Poll reports true if the interface exists and is up.
func (s InterfaceSource) Poll(ctx context.Context) (bool, error) {
	iface, err := net.InterfaceByName(s.Name)
	if err != nil {
		return false, err
	}
	return iface.Flags&net.FlagUp != 0, nil
}

// ScriptSource tracks an external script's exit status (spec.md section
// 4.3, "external script exit status"). Exit code 0 is up; any other
// exit code, or a failure to exec, is down.
type ScriptSource struct {
	Path string
	Args []string
}

// Poll runs the script and reports whether it exited zero.
func (s ScriptSource) Poll(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	err := cmd.Run()
	if err != nil {
		return false, err
	}
	return true, nil
}

// RouteSource tracks the presence of a route or rule in the routing
// table (spec.md section 4.3, "route/rule presence"), shelling out to
// `ip route get` rather than reimplementing netlink parsing, in keeping
// with spec.md section 1's framing of network manipulation as a narrow
// external capability.
type RouteSource struct {
	Destination string
}

// Poll reports whether the destination currently resolves to a route.
func (s RouteSource) Poll(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "ip", "route", "get", s.Destination)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, err
	}
	return strings.Contains(out.String(), s.Destination) || out.Len() > 0, nil
}

// FileSource polls a file's content against an expected value (spec.md
// section 4.3, "file-content polling"), the keepalived track_file idiom
// used to let an external health process flip a VRRP instance's
// priority by writing a number to a well-known path.
type FileSource struct {
	Path     string
	UpValues []string // any of these trimmed contents means "up"; empty = "file exists" means up
}

// Poll reads the file and compares its trimmed content against UpValues.
func (s FileSource) Poll(ctx context.Context) (bool, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return false, err
	}
	if len(s.UpValues) == 0 {
		return true, nil
	}
	content := strings.TrimSpace(string(b))
	for _, v := range s.UpValues {
		if content == v {
			return true, nil
		}
	}
	return false, nil
}
