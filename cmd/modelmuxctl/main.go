package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// jsonOut switches list commands from table output to raw JSON.
var jsonOut bool

// loadEnvFile reads ~/.modelmux/env (written by make start) and sets any
// key=value pairs not already present in the process environment. This lets
// modelmuxctl work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.modelmux/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-json" || args[0] == "--json") {
		jsonOut = true
		args = args[1:]
	}
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("modelmuxctl %s\n", version)
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "backend", "backends":
		doBackends(args)
	case "submit":
		doSubmit(args)
	case "result":
		doResult(args)
	case "process":
		doProcess(args)
	case "batch":
		doBatch(args)
	case "stats":
		doStats()
	case "logs":
		doLogs(args)
	case "events":
		doEvents()
	case "tsdb":
		doTSDB(args)
	case "vault":
		doVault(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `modelmuxctl — CLI for the ModelMux API

Usage: modelmuxctl [-json] <command> [arguments]

Environment:
  MODELMUX_SERVER       Base URL (default: http://localhost:8080)

  ~/.modelmux/env       Auto-sourced on startup; written by make start.
                        Explicit environment variables take precedence.

Commands:
  status                      Show scheduler status and queue depths
  health                      Show backend health stats

  backend list                List registered backends
  backend add <json>          Register a backend (adapter config JSON)
  backend remove <id>         Unregister a backend

  submit <json>               Enqueue a task, print its task ID
  result <task-id> [wait-ms]  Fetch a task result (optionally long-poll)
  process <json>              Submit a task and wait for the result
  batch <json>                Submit a JSON array of tasks, wait for all

  stats                       Show aggregated per-model and per-type stats
  logs [--limit N]            Show recent task logs
  events                      Stream real-time SSE events

  tsdb query <args>           Query time-series data (metric=...&model_id=...)
  tsdb metrics                List recorded metrics
  tsdb prune                  Prune old time-series data
  tsdb retention <days>       Set the retention window

  vault status                Show vault state
  vault unlock <passphrase>   Unlock the secret vault
  vault lock                  Lock the secret vault
  vault set <name> <value>    Store a secret
  vault delete <name>         Delete a secret

  version                     Show version
  help                        Show this help

Examples:
  modelmuxctl status
  modelmuxctl backend add '{"model_id":"gpt-worker","kind":"remote","endpoint":"http://worker:9000","capabilities":[{"task_type":"summarize","quality_score":0.9,"cost_per_1k_tokens":0.02,"avg_latency_ms":800}]}'
  modelmuxctl submit '{"task_type":"summarize","content":"...","priority":"high"}'
  modelmuxctl result 7d9f... 5000
  modelmuxctl process '{"task_type":"summarize","content":"..."}'
  modelmuxctl vault unlock "my-secret-passphrase"
  modelmuxctl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("MODELMUX_SERVER"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPut(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PUT", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: modelmuxctl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doStatus() {
	data := doGet("/v1/status")
	if jsonOut {
		fmt.Println(prettyJSON(data))
		return
	}

	running := "stopped"
	if data["running"] == true {
		running = "running"
	}
	fmt.Printf("Server:        %s\n", baseURL())
	fmt.Printf("Scheduler:     %s\n", running)
	fmt.Printf("Workers:       %s\n", fmtNum(data["workers"]))
	fmt.Printf("Pending:       %s\n", fmtNum(data["pending"]))
	fmt.Printf("In flight:     %s\n", fmtNum(data["in_flight"]))
	fmt.Printf("Cache entries: %s\n", fmtNum(data["cache_entries"]))

	if depths, ok := data["queue_depths"].(map[string]any); ok {
		fmt.Println("Queue depths:")
		for _, lane := range []string{"critical", "high", "medium", "low"} {
			fmt.Printf("  %-8s %s\n", lane, fmtNum(depths[lane]))
		}
	}

	backends, _ := data["backends"].([]any)
	fmt.Printf("Backends:      %d\n", len(backends))
	if len(backends) > 0 {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "  MODEL\tAVAILABLE\tLOAD\tSUCCESS\tAVG LATENCY")
		for _, b := range backends {
			m, _ := b.(map[string]any)
			id, _ := m["model_id"].(string)
			avail := "yes"
			if m["available"] == false {
				avail = "no"
			}
			load := fmt.Sprintf("%s/%s", fmtNum(m["current_load"]), fmtNum(m["max_concurrent"]))
			metrics, _ := m["metrics"].(map[string]any)
			rate := "-"
			lat := "-"
			if metrics != nil {
				if f, ok := metrics["success_rate"].(float64); ok {
					rate = fmt.Sprintf("%.0f%%", f*100)
				}
				lat = fmtDuration(metrics["avg_latency_ms"])
			}
			_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", id, avail, load, rate, lat)
		}
		_ = tw.Flush()
	}
}

func doHealth() {
	data := doGet("/admin/v1/health")
	if jsonOut {
		fmt.Println(prettyJSON(data))
		return
	}
	backends, _ := data["backends"].([]any)
	if len(backends) == 0 {
		fmt.Println("No backend health data available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MODEL\tSTATE\tPROBES\tFAILURES\tCONSEC\tLAST SUCCESS\tLAST ERROR")
	for _, b := range backends {
		m, ok := b.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["model_id"].(string)
		state, _ := m["state"].(string)
		probes := fmtNum(m["total_probes"])
		failures := fmtNum(m["total_failures"])
		consec := fmtNum(m["consec_fails"])
		lastOK := fmtTime(m["last_success_at"])
		lastErr, _ := m["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, state, probes, failures, consec, lastOK, lastErr)
	}
	_ = tw.Flush()
}

func doBackends(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/backends")
		if jsonOut {
			fmt.Println(prettyJSON(data))
			return
		}
		backends, _ := data["backends"].([]any)
		if len(backends) == 0 {
			fmt.Println("No backends registered.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "MODEL\tTYPE\tTASKS\tAVAILABLE\tQUALITY\t$/1K\tBASE LATENCY")
		for _, b := range backends {
			m, _ := b.(map[string]any)
			id, _ := m["model_id"].(string)
			typ := fmt.Sprintf("%v", m["model_type"])
			tasks, _ := m["supported_tasks"].([]any)
			taskList := make([]string, 0, len(tasks))
			for _, t := range tasks {
				if s, ok := t.(string); ok {
					taskList = append(taskList, s)
				}
			}
			avail := "yes"
			if m["available"] == false {
				avail = "no"
			}
			quality := fmtNum(m["quality_score"])
			cost := fmtCost(m["cost_per_1k_tokens"])
			lat := fmtDuration(m["base_latency_ms"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				id, typ, strings.Join(taskList, ","), avail, quality, cost, lat)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "backend add <json>")
		result := doPost("/admin/v1/backends", args[1])
		if id, ok := result["model_id"].(string); ok {
			fmt.Printf("Backend %s registered.\n", id)
		}
	case "remove", "delete":
		requireArgs(args, 2, "backend remove <id>")
		result := doDelete("/admin/v1/backends/" + args[1])
		if result["ok"] == true {
			fmt.Printf("Backend %s removed.\n", args[1])
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown backend command: %s\n", args[0])
		os.Exit(1)
	}
}

func doSubmit(args []string) {
	requireArgs(args, 1, "submit <json>")
	result := doPost("/v1/tasks", args[0])
	if jsonOut {
		fmt.Println(prettyJSON(result))
		return
	}
	if id, ok := result["task_id"].(string); ok {
		fmt.Println(id)
	}
}

func doResult(args []string) {
	requireArgs(args, 1, "result <task-id> [wait-ms]")
	path := "/v1/tasks/" + args[0]
	if len(args) > 1 {
		path += "?wait_ms=" + args[1]
	}
	result := doGet(path)
	if jsonOut {
		fmt.Println(prettyJSON(result))
		return
	}
	printResponse(result)
}

func doProcess(args []string) {
	requireArgs(args, 1, "process <json>")
	result := doPost("/v1/process", args[0])
	if jsonOut {
		fmt.Println(prettyJSON(result))
		return
	}
	printResponse(result)
}

func doBatch(args []string) {
	requireArgs(args, 1, "batch <json-array>")
	data := doPost("/v1/batch", fmt.Sprintf(`{"tasks":%s}`, args[0]))
	if jsonOut {
		fmt.Println(prettyJSON(data))
		return
	}
	results, _ := data["results"].([]any)
	for i, r := range results {
		m, _ := r.(map[string]any)
		fmt.Printf("--- task %d ---\n", i+1)
		if m == nil {
			fmt.Println("(no result)")
			continue
		}
		printResponse(m)
	}
}

// printResponse renders a single model response for human consumption.
func printResponse(m map[string]any) {
	if status, ok := m["status"].(string); ok && status == "pending" {
		fmt.Printf("Task %s is still pending.\n", m["task_id"])
		return
	}
	fmt.Printf("Task:       %s\n", m["task_id"])
	fmt.Printf("Model:      %s\n", m["model_id"])
	fmt.Printf("Confidence: %s\n", fmtNum(m["confidence"]))
	fmt.Printf("Latency:    %s\n", fmtDuration(m["processing_ms"]))
	fmt.Printf("Tokens:     %s\n", fmtNum(m["tokens_used"]))
	fmt.Printf("Cost:       %s\n", fmtCost(m["cost_usd"]))
	if meta, ok := m["metadata"].(map[string]any); ok {
		if errMsg, ok := meta["error"].(string); ok && errMsg != "" {
			fmt.Printf("Error:      %s (%v)\n", errMsg, meta["error_class"])
			return
		}
		if meta["cache_hit"] == true {
			fmt.Println("Cache:      hit")
		}
	}
	if out, ok := m["output"].(string); ok && out != "" {
		fmt.Printf("Output:\n%s\n", out)
	}
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?limit=%d", limit))
	if jsonOut {
		fmt.Println(prettyJSON(data))
		return
	}
	logs, _ := data["logs"].([]any)
	if len(logs) == 0 {
		fmt.Println("No task logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTASK TYPE\tPRIORITY\tMODEL\tLATENCY\tWAIT\tCOST\tOK\tCACHE")
	for _, l := range logs {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		taskType, _ := m["task_type"].(string)
		priority, _ := m["priority"].(string)
		model, _ := m["model_id"].(string)
		lat := fmtDuration(m["latency_ms"])
		wait := fmtDuration(m["queue_wait_ms"])
		cost := fmtCost(m["cost_usd"])
		ok := "yes"
		if m["success"] == false {
			ok = "no"
		}
		cache := ""
		if m["cache_hit"] == true {
			cache = "hit"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ts, taskType, priority, model, lat, wait, cost, ok, cache)
	}
	_ = tw.Flush()
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			lines := strings.Split(string(buf[:n]), "\n")
			for _, line := range lines {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "data:") {
					payload := strings.TrimPrefix(line, "data:")
					payload = strings.TrimSpace(payload)
					var evt map[string]any
					if json.Unmarshal([]byte(payload), &evt) == nil {
						evtType, _ := evt["type"].(string)
						model, _ := evt["model_id"].(string)
						taskType, _ := evt["task_type"].(string)
						latency := fmtDuration(evt["latency_ms"])
						errMsg, _ := evt["error_msg"].(string)
						ts := time.Now().Format("15:04:05")
						if errMsg != "" {
							fmt.Printf("[%s] %s  model=%s task_type=%s error=%s\n", ts, evtType, model, taskType, errMsg)
						} else {
							fmt.Printf("[%s] %s  model=%s task_type=%s latency=%s\n", ts, evtType, model, taskType, latency)
						}
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics|prune|retention> [args]")
	switch args[0] {
	case "metrics":
		data := doGet("/admin/v1/tsdb/metrics")
		fmt.Println(prettyJSON(data))
	case "prune":
		result := doPost("/admin/v1/tsdb/prune", "{}")
		fmt.Println(prettyJSON(result))
	case "retention":
		requireArgs(args, 2, "tsdb retention <days>")
		result := doPut("/admin/v1/tsdb/retention", fmt.Sprintf(`{"days":%s}`, args[1]))
		fmt.Println(prettyJSON(result))
	case "query":
		qs := ""
		if len(args) > 1 {
			qs = "?" + strings.Join(args[1:], "&")
		}
		data := doGet("/admin/v1/tsdb/query" + qs)
		fmt.Println(prettyJSON(data))
	default:
		fmt.Fprintf(os.Stderr, "unknown tsdb command: %s\n", args[0])
		os.Exit(1)
	}
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <status|unlock|lock|set|delete> [args]")
	switch args[0] {
	case "status":
		data := doGet("/admin/v1/vault")
		fmt.Println(prettyJSON(data))
	case "unlock":
		requireArgs(args, 2, "vault unlock <passphrase>")
		body := fmt.Sprintf(`{"passphrase":%s}`, jsonStr(args[1]))
		result := doPost("/admin/v1/vault/unlock", body)
		if result["ok"] == true {
			fmt.Println("Vault unlocked.")
		}
	case "lock":
		result := doPost("/admin/v1/vault/lock", "{}")
		if result["ok"] == true {
			if result["already_locked"] == true {
				fmt.Println("Vault was already locked.")
			} else {
				fmt.Println("Vault locked.")
			}
		}
	case "set":
		requireArgs(args, 3, "vault set <name> <value>")
		body := fmt.Sprintf(`{"value":%s}`, jsonStr(args[2]))
		result := doPut("/admin/v1/vault/secrets/"+args[1], body)
		if result["ok"] == true {
			fmt.Printf("Secret %s stored.\n", args[1])
		}
	case "delete":
		requireArgs(args, 2, "vault delete <name>")
		result := doDelete("/admin/v1/vault/secrets/" + args[1])
		if result["ok"] == true {
			fmt.Printf("Secret %s deleted.\n", args[1])
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
