// Command healthcheck probes the service from inside its container. It exits
// non-zero unless the probe answers 200. HEALTHCHECK_URL overrides the target;
// otherwise /healthz (or /readyz with -ready) on HTTP_ADDR is used.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "probe /readyz instead of /healthz")
	flag.Parse()

	client := &http.Client{Timeout: 3 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := probe(ctx, client, probeURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"), *ready)); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

// probeURL builds the target from an explicit URL or a listen address such as ":8080".
func probeURL(explicit, addr string, ready bool) string {
	if explicit != "" {
		return explicit
	}
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	return "http://" + addr + path
}

type statusError int

func (e statusError) Error() string { return "unhealthy: " + http.StatusText(int(e)) }

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	return nil
}
