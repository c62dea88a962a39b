//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const htmlRoot = "/usr/share/nginx/html"

// corpus is served by the shared container. Sizes straddle block edges.
var corpus = map[string][]byte{
	"readme.txt":          []byte("served by nginx\n"),
	"assets/large.bin":    makeRandomContent(3*1024*1024 + 17),
	"assets/small.bin":    makeRandomContent(4096),
	"assets/nested/z.dat": makeRandomContent(70_000),
}

var (
	serverOnce sync.Once
	serverURL  string
	serverErr  error
)

// getServer returns the base URL of the shared nginx container, starting
// it if needed.
func getServer(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	serverOnce.Do(func() {
		serverURL, serverErr = startServer(context.Background())
	})
	if serverErr != nil {
		tb.Fatalf("start nginx container: %v", serverErr)
	}
	return serverURL
}

// startServer writes the corpus and its listing to a temporary directory
// and serves it from an nginx:alpine container.
func startServer(ctx context.Context) (string, error) {
	dir, err := os.MkdirTemp("", "rangefs-integration-*")
	if err != nil {
		return "", err
	}

	files := make([]testcontainers.ContainerFile, 0, len(corpus)+1)
	for name, content := range corpus {
		host := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(host, content, 0o644); err != nil {
			return "", err
		}
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      host,
			ContainerFilePath: path.Join(htmlRoot, name),
			FileMode:          0o644,
		})
	}

	listing, err := json.Marshal(listingFor(corpus))
	if err != nil {
		return "", err
	}
	listingPath := filepath.Join(dir, "index.json")
	if err := os.WriteFile(listingPath, listing, 0o644); err != nil {
		return "", err
	}
	files = append(files, testcontainers.ContainerFile{
		HostFilePath:      listingPath,
		ContainerFilePath: path.Join(htmlRoot, "index.json"),
		FileMode:          0o644,
	})

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nginx:alpine",
			ExposedPorts: []string{"80/tcp"},
			Files:        files,
			WaitingFor:   wait.ForHTTP("/index.json").WithPort("80/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start nginx container: %w", err)
	}

	// Container cleanup is handled by the testcontainers Reaper.
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve nginx host: %w", err)
	}
	port, err := container.MappedPort(ctx, "80/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve nginx port: %w", err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port()), nil
}

// listingFor builds the nested listing document for files.
func listingFor(files map[string][]byte) map[string]any {
	root := map[string]any{}
	for name, content := range files {
		parts := strings.Split(name, "/")
		dir := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := dir[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				dir[part] = child
			}
			dir = child
		}
		dir[parts[len(parts)-1]] = len(content)
	}
	return root
}

// makeRandomContent creates random binary content.
func makeRandomContent(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.Read(data)
	return data
}
