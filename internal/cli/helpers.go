package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/re-cinq/conduit/internal/config"
)

// loadAndValidateConfig loads a config file and validates it, printing errors to stderr.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, nil
}

// resolveRepo finds the git repository root from a config file path.
func resolveRepo(configArg string) (string, error) {
	abs, err := filepath.Abs(configArg)
	if err != nil {
		return "", err
	}
	repoDir := findGitRoot(filepath.Dir(abs))
	if repoDir == "" {
		return "", fmt.Errorf("could not find git repository root")
	}
	return repoDir, nil
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// daemonClient is a thin wrapper around net/http for talking to
// conduitd's HTTP API from operator commands.
type daemonClient struct {
	addr string
	hc   *http.Client
}

func newDaemonClient(addr string) *daemonClient {
	return &daemonClient{addr: addr, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (c *daemonClient) postJSON(path string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := c.hc.Post(c.addr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("calling conduitd at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *daemonClient) getJSON(path string, out any) (int, error) {
	resp, err := c.hc.Get(c.addr + path)
	if err != nil {
		return 0, fmt.Errorf("calling conduitd at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// streamSSE connects to an SSE endpoint and invokes onEvent for every
// "data: ..." line until the stream closes.
func (c *daemonClient) streamSSE(path string, onEvent func(line string)) error {
	resp, err := c.hc.Get(c.addr + path)
	if err != nil {
		return fmt.Errorf("calling conduitd at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			for {
				line, rerr := buf.ReadString('\n')
				if rerr != nil {
					buf.Reset()
					buf.WriteString(line)
					break
				}
				if len(line) > len("data: ") && line[:6] == "data: " {
					onEvent(line[6 : len(line)-1])
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
