// scada-cli is the operator console: it logs in, fetches the grid
// overview and node list, and renders them as text. Exit status: 0 on
// success, 1 on transport errors, 2 on authentication errors.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
)

const (
	exitOK        = 0
	exitTransport = 1
	exitAuth      = 2
)

type tokenBundle struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type gridOverview struct {
	SystemFrequencyHz float64 `json:"system_frequency_hz"`
	TotalGenerationMW float64 `json:"total_generation_mw"`
	TotalLoadMW       float64 `json:"total_load_mw"`
	GridLossesMW      float64 `json:"grid_losses_mw"`
	NodesOnline       int     `json:"nodes_online"`
	NodesOffline      int     `json:"nodes_offline"`
	NodesDegraded     int     `json:"nodes_degraded"`
	ActiveAlarms      int     `json:"active_alarms"`
	CriticalAlarms    int     `json:"critical_alarms"`
}

type nodeView struct {
	Descriptor struct {
		NodeID     string  `json:"node_id"`
		Kind       string  `json:"kind"`
		Location   string  `json:"location"`
		CapacityMW float64 `json:"capacity_mw"`
	} `json:"descriptor"`
	Link    string `json:"link"`
	LastSeq uint64 `json:"last_seq"`
}

type nodeList struct {
	Nodes []nodeView `json:"nodes"`
}

// apiError mirrors the Master's error envelope. Kind distinguishes
// authentication failures from everything else for the exit status.
type apiError struct {
	Payload struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Payload.Message, e.Payload.Kind)
}

func (e *apiError) authFailure() bool {
	return e.Payload.Kind == "AuthFailure" || e.Payload.Kind == "PermissionDenied"
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	master := flag.String("master", "http://localhost:9000", "Master base URL")
	user := flag.String("user", "viewer", "username")
	password := flag.String("password", "", "password (or SCADA_CLI_PASSWORD)")
	watch := flag.Duration("watch", 0, "refresh interval; 0 renders once")
	flag.Parse()

	godotenv.Load()
	if *password == "" {
		*password = os.Getenv("SCADA_CLI_PASSWORD")
	}
	if *password == "" {
		fmt.Fprintln(os.Stderr, "password required (-password or SCADA_CLI_PASSWORD)")
		os.Exit(exitAuth)
	}

	c := &client{base: *master, http: &http.Client{Timeout: 10 * time.Second}}
	if err := c.login(*user, *password); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(exitStatus(err))
	}

	for {
		if err := c.render(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(exitStatus(err))
		}
		if *watch <= 0 {
			os.Exit(exitOK)
		}
		time.Sleep(*watch)
	}
}

// exitStatus maps an error to the process exit code: authentication
// failures exit 2, anything else (network, server errors) exits 1.
func exitStatus(err error) int {
	if apiErr, ok := err.(*apiError); ok && apiErr.authFailure() {
		return exitAuth
	}
	return exitTransport
}

func (c *client) login(user, password string) error {
	body, _ := json.Marshal(map[string]string{"username": user, "password": password})
	resp, err := c.http.Post(c.base+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	var bundle tokenBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return err
	}
	c.token = bundle.AccessToken
	return nil
}

func (c *client) get(path string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &apiError{}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, apiErr) == nil && apiErr.Payload.Message != "" {
		return apiErr
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		apiErr.Payload.Kind = "AuthFailure"
		apiErr.Payload.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return apiErr
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *client) render(w io.Writer) error {
	var grid gridOverview
	if err := c.get("/grid/overview", &grid); err != nil {
		return err
	}
	var nodes nodeList
	if err := c.get("/nodes", &nodes); err != nil {
		return err
	}

	fmt.Fprintf(w, "System frequency  %7.3f Hz\n", grid.SystemFrequencyHz)
	fmt.Fprintf(w, "Generation        %7.1f MW\n", grid.TotalGenerationMW)
	fmt.Fprintf(w, "Load              %7.1f MW\n", grid.TotalLoadMW)
	fmt.Fprintf(w, "Losses            %7.1f MW\n", grid.GridLossesMW)
	fmt.Fprintf(w, "Nodes             %d online / %d degraded / %d offline\n",
		grid.NodesOnline, grid.NodesDegraded, grid.NodesOffline)
	fmt.Fprintf(w, "Alarms            %d active (%d critical)\n\n", grid.ActiveAlarms, grid.CriticalAlarms)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tKIND\tLOCATION\tCAPACITY\tLINK\tSEQ")
	for _, n := range nodes.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f MW\t%s\t%d\n",
			n.Descriptor.NodeID, n.Descriptor.Kind, n.Descriptor.Location,
			n.Descriptor.CapacityMW, n.Link, n.LastSeq)
	}
	tw.Flush()
	return nil
}
