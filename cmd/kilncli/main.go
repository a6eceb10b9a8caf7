// Command kilncli is Kiln's operator CLI: a thin HTTP client over the
// kilnserver RPC surface, generalized from the teacher's cmd/slcli
// (flag-based subcommand dispatch, a single printUsage, no third-party
// flag-parsing dependency — spec §1 excludes "CLI argument parsing" as
// an external collaborator, so this stays on the stdlib flag package).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// exitCodeFor mirrors kerrors.Kind.ExitCode() for the handful of
// failure classes a CLI caller needs to branch scripts on (spec §6).
func exitCodeFor(code string) int {
	switch code {
	case "VALIDATION", "PREFLIGHT_FAILED", "INVALID_STATE_TRANSITION":
		return 2
	case "PRINTER_UNREACHABLE", "PRINTER_BUSY", "TIMEOUT":
		return 3
	case "AUTH_REQUIRED", "AUTH_INVALID", "OWNERSHIP_MISMATCH":
		return 4
	case "NOT_FOUND", "QUOTE_NOT_FOUND", "QUOTE_EXPIRED", "PROVIDER_MISMATCH":
		return 5
	case "SPEND_LIMIT", "PAYMENT_FAILED", "PRICE_DRIFT_BLOCKED":
		return 6
	case "RATE_LIMITED":
		return 7
	case "UNSUPPORTED":
		return 8
	default:
		return 1
	}
}

type client struct {
	host   string
	apiKey string
	json   bool
	http   *http.Client
}

func (c *client) call(method, path string, body interface{}) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.host+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// render prints the envelope per spec §6: a {status: "success"|"error",
// data, error} object in --json mode, a terse human line otherwise;
// failures always go to stderr and set the process exit code from the
// taxonomy.
func (c *client) render(env *envelope, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if c.json {
		out := struct {
			Status string          `json:"status"`
			Data   json.RawMessage `json:"data,omitempty"`
			Error  any             `json:"error,omitempty"`
		}{Status: "success", Data: env.Data}
		w := os.Stdout
		if !env.Success {
			out.Status, w = "error", os.Stderr
		}
		if env.Error != nil {
			out.Error = env.Error
		}
		b, _ := json.Marshal(out)
		fmt.Fprintln(w, string(b))
	}
	if !env.Success {
		if !c.json && env.Error != nil {
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", env.Error.Code, env.Error.Message)
		}
		code := 1
		if env.Error != nil {
			code = exitCodeFor(env.Error.Code)
		}
		os.Exit(code)
	}
	if !c.json && len(env.Data) > 0 {
		fmt.Println(string(env.Data))
	}
}

func main() {
	fs := flag.NewFlagSet("kilncli", flag.ExitOnError)
	host := fs.String("host", envDefault("KILN_HOST", "http://localhost:8080"), "kilnserver base URL")
	apiKey := fs.String("api-key", os.Getenv("KILN_API_KEY"), "printer/RPC API key")
	printerName := fs.String("printer", envDefault("KILN_PRINTER", ""), "target printer name")
	asJSON := fs.Bool("json", false, "emit {status, data, error} JSON instead of human text")
	toolC := fs.Float64("tool", 0, "temp: hotend target in °C")
	bedC := fs.Float64("bed", 0, "temp: bed target in °C")
	heatersOff := fs.Bool("off", false, "temp: turn hotend and bed heaters off")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	verb := os.Args[1]
	_ = fs.Parse(os.Args[2:])
	args := fs.Args()

	c := &client{host: *host, apiKey: *apiKey, json: *asJSON, http: &http.Client{Timeout: 30 * time.Second}}
	printerPath := "/api/v1/printers/" + *printerName

	switch verb {
	case "status":
		c.render(c.call(http.MethodGet, printerPath+"/status", nil))
	case "upload":
		requireArgs(args, 1, "upload <file>")
		c.render(c.call(http.MethodPost, printerPath+"/upload", map[string]string{"local_path": args[0]}))
	case "print":
		requireArgs(args, 1, "print <file>")
		c.render(c.call(http.MethodPost, printerPath+"/print", map[string]string{"remote_name": args[0]}))
	case "cancel":
		c.render(c.call(http.MethodPost, printerPath+"/cancel", nil))
	case "pause":
		c.render(c.call(http.MethodPost, printerPath+"/pause", nil))
	case "resume":
		c.render(c.call(http.MethodPost, printerPath+"/resume", nil))
	case "files":
		c.render(c.call(http.MethodGet, printerPath+"/files", nil))
	case "preflight":
		file := ""
		if len(args) > 0 {
			file = args[0]
		}
		c.render(c.call(http.MethodPost, "/api/v1/safety/preflight", map[string]any{"printer_name": *printerName, "file": file}))
	case "snapshot":
		c.render(c.call(http.MethodGet, printerPath+"/snapshot", nil))
	case "temp":
		body := map[string]any{"off": *heatersOff}
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "tool":
				body["tool_c"] = *toolC
			case "bed":
				body["bed_c"] = *bedC
			}
		})
		c.render(c.call(http.MethodPost, printerPath+"/temp", body))
	case "gcode":
		c.render(c.call(http.MethodPost, printerPath+"/gcode", map[string]any{"commands": args}))
	case "connect":
		requireArgs(args, 3, "connect <backend> <host> <api-key>")
		c.render(c.call(http.MethodPost, "/api/v1/printers", map[string]string{
			"name": *printerName, "backend": args[0], "host": args[1], "api_key": args[2],
		}))
	case "disconnect":
		c.render(c.call(http.MethodDelete, printerPath, nil))
	case "init":
		fmt.Println("run `kilncli connect --printer <name> <backend> <host> <api-key>` to register a printer")
	case "history":
		c.render(c.call(http.MethodGet, "/api/v1/queue/jobs", nil))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", verb)
		printUsage()
		os.Exit(2)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: kilncli %s\n", usage)
		os.Exit(2)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`kilncli - Kiln fleet orchestration CLI

Usage:
  kilncli <verb> [--host URL] [--api-key KEY] [--printer NAME] [--json] [args]

Flags must come before positional arguments; flag parsing stops at the
first non-flag argument.

Verbs:
  status                         Printer state and active job
  upload <file>                  Upload a local file to the printer
  print <file>                   Start a print from an uploaded remote file
  cancel                         Cancel the active print
  pause / resume                 Pause or resume the active print
  files                          List printer-side files
  preflight [file]               Run preflight checks before starting
  snapshot                       Fetch a camera snapshot
  temp [--tool C] [--bed C] [--off]
                                 Set tool/bed target temperatures or turn heaters off
  gcode <cmd...>                 Send raw G-code commands
  connect <backend> <host> <key> Register a printer
  disconnect                     Unregister the target printer
  init                           Print connect-verb usage
  history                        List recent jobs

Environment:
  KILN_HOST, KILN_API_KEY, KILN_PRINTER`)
}
