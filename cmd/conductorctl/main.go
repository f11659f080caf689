package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/eventlog"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/registry"
)

var client = &http.Client{Timeout: 30 * time.Second}

func main() {
	server := flag.String("server", "http://localhost:8080", "Conductor server URL")
	caller := flag.String("caller", "cli-user", "Caller id attached to sessions")
	flag.Parse()

	fmt.Println("Nuka Conductor CLI")
	fmt.Printf("Server: %s | Caller: %s\n", *server, *caller)
	fmt.Println("Type a goal to orchestrate it. 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /agents, /stats, /sessions, /logs <session>, /cancel <session>")
	fmt.Println("---")

	fetchAgents(*server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/agents":
			fetchAgents(*server)
		case "/stats":
			fetchStats(*server)
		case "/sessions":
			fetchSessions(*server)
		case "/logs":
			if arg == "" {
				printError("usage: /logs <session>")
				continue
			}
			fetchLogs(*server, arg)
		case "/cancel":
			if arg == "" {
				printError("usage: /cancel <session>")
				continue
			}
			cancelSession(*server, arg)
		default:
			runGoal(*server, *caller, input)
		}
	}
}

func fetchAgents(server string) {
	var list struct {
		Agents []registry.Agent `json:"agents"`
	}
	if !getJSON(server+"/api/agents", &list) {
		return
	}
	agents := list.Agents
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		names := make([]string, len(a.Capabilities))
		for i, c := range a.Capabilities {
			names[i] = c.Name
		}
		fmt.Printf("  %s (%s) %s load %d/%d [%s]\n",
			a.ID, a.Type, a.Status, a.CurrentLoad, a.MaxLoad, strings.Join(names, ", "))
	}
}

func fetchStats(server string) {
	var stats map[string]any
	if !getJSON(server+"/api/stats", &stats) {
		return
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

func fetchSessions(server string) {
	var sessions []orchestrator.Summary
	if !getJSON(server+"/api/sessions", &sessions) {
		return
	}
	for _, s := range sessions {
		fmt.Printf("  %s %-9s %d/%d (%d running) %s\n", s.SessionID, s.Status, s.CompletedTasks, s.TotalTasks, s.RunningTasks, s.Goal)
	}
}

func fetchLogs(server, sessionID string) {
	var body struct {
		Logs []eventlog.Entry `json:"logs"`
	}
	if !getJSON(server+"/api/sessions/"+sessionID+"/logs", &body) {
		return
	}
	for _, e := range body.Logs {
		line := fmt.Sprintf("%s %-5s %-12s %s", e.Timestamp.Format("15:04:05.000"), e.Level, e.Source, e.Message)
		if e.Level == eventlog.LevelError {
			printError("%s", line)
			continue
		}
		fmt.Println(line)
	}
}

func cancelSession(server, sessionID string) {
	resp, err := client.Post(server+"/api/sessions/"+sessionID+"/cancel", "application/json", nil)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	fmt.Println("Cancellation requested.")
}

// runGoal starts a session and polls it until it finishes.
func runGoal(server, caller, goal string) {
	body, _ := json.Marshal(map[string]string{"goal": goal, "callerId": caller})
	resp, err := client.Post(server+"/api/orchestrate", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	var res orchestrator.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	fmt.Printf("\033[36m[%s]\033[0m planned %d tasks\n", res.SessionID, res.TotalTasks)

	done := -1
	for !res.Status.IsTerminal() {
		time.Sleep(500 * time.Millisecond)
		if !getJSON(server+"/api/sessions/"+res.SessionID, &res) {
			return
		}
		if res.CompletedTasks != done {
			done = res.CompletedTasks
			fmt.Printf("  %d/%d tasks complete\n", done, res.TotalTasks)
		}
	}

	fmt.Printf("\033[36m[%s]\033[0m %s\n", res.SessionID, res.Status)
	for _, j := range res.Jobs {
		if out, ok := res.Results[j.StepID]; ok {
			fmt.Printf("\033[32m%s\033[0m: %v\n", j.StepID, out)
		}
	}
	for _, e := range res.Errors {
		printError("%s", e)
	}
}

func getJSON(url string, v any) bool {
	resp, err := client.Get(url)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
