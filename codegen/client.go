package codegen

import (
	"net/http"
	"strings"
	"time"
)

// ClientConfig configures a vision client.
type ClientConfig struct {
	APIKey   string
	Model    string
	Endpoint string // base URL, overridable for tests and proxies
	Timeout  time.Duration
	HTTP     *http.Client
}

func (c *ClientConfig) defaults(model, endpoint string) {
	if c.Model == "" {
		c.Model = model
	}
	if c.Endpoint == "" {
		c.Endpoint = endpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: c.Timeout}
	}
}

func mimeOrPNG(m string) string {
	if m == "" {
		return "image/png"
	}
	return m
}
