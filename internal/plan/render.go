package plan

import (
	"strings"

	"github.com/alessio/shellescape"
)

// Renderer builds the local shell lines that reach a remote node: the login
// wrapper, plain copies and synchronising copies.
type Renderer struct {
	user       string
	loginTool  string
	loginFlags []string
	copyTool   string
	copyFlags  []string
	syncTool   string
	syncFlags  []string
}

// Remote wraps a remote command in the login tool invocation for host.
// The command text is passed as one argument, quoted when it contains shell
// metacharacters.
func (r *Renderer) Remote(host, command string) string {
	parts := make([]string, 0, len(r.loginFlags)+3)
	parts = append(parts, r.loginTool)
	parts = appendArgs(parts, r.loginFlags)
	parts = append(parts, shellescape.Quote(r.target(host)), shellescape.Quote(command))
	return strings.Join(parts, " ")
}

// Copy renders a plain copy of a local file to remotePath on host.
func (r *Renderer) Copy(local, host, remotePath string) string {
	return r.transfer(r.copyTool, r.copyFlags, local, host, remotePath)
}

// Sync renders a synchronising copy of a local file to remotePath on host.
func (r *Renderer) Sync(local, host, remotePath string) string {
	return r.transfer(r.syncTool, r.syncFlags, local, host, remotePath)
}

func (r *Renderer) transfer(tool string, flags []string, local, host, remotePath string) string {
	parts := make([]string, 0, len(flags)+3)
	parts = append(parts, tool)
	parts = appendArgs(parts, flags)
	parts = append(parts, shellescape.Quote(local), shellescape.Quote(r.target(host)+":"+remotePath))
	return strings.Join(parts, " ")
}

func (r *Renderer) target(host string) string {
	return r.user + "@" + host
}

func appendArgs(parts, args []string) []string {
	for _, a := range args {
		parts = append(parts, shellescape.Quote(a))
	}
	return parts
}
