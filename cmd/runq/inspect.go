package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List task groups",
	RunE:  runGroups,
}

var namespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List namespaces with task and runner counts",
	RunE:  runNamespaces,
}

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "List runners and their liveness",
	RunE:  runRunners,
}

var runnersRemoveCmd = &cobra.Command{
	Use:   "rm [runner-id]",
	Short: "Delete a runner record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunnersRemove,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show decision records, newest first",
	RunE:  runAudit,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the daemon health",
	RunE:  runHealth,
}

var (
	groupsNamespace string
	runnersTimeout  time.Duration
	auditTaskID     string
	auditLimit      int
)

func init() {
	groupsCmd.Flags().StringVar(&groupsNamespace, "namespace", "", "List another namespace")
	runnersCmd.Flags().DurationVar(&runnersTimeout, "timeout", 0, "Heartbeat age after which a runner counts as dead (default 120s)")
	runnersCmd.AddCommand(runnersRemoveCmd)
	auditCmd.Flags().StringVar(&auditTaskID, "task", "", "Only records for this task")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of records")
}

func runGroups(cmd *cobra.Command, args []string) error {
	path := "/groups"
	if groupsNamespace != "" {
		path += "?namespace=" + url.QueryEscape(groupsNamespace)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var groups []models.TaskGroupSummary
	if err := json.Unmarshal(resp, &groups); err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No task groups found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tTASKS\tCREATED\tLAST UPDATE")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			g.TaskGroupID,
			g.TaskCount,
			g.CreatedAt.Local().Format(time.DateTime),
			g.LatestUpdatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush()
	return nil
}

func runNamespaces(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/namespaces")
	if err != nil {
		return err
	}

	var namespaces []models.NamespaceSummary
	if err := json.Unmarshal(resp, &namespaces); err != nil {
		return err
	}
	if len(namespaces) == 0 {
		fmt.Println("No namespaces found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tTASKS\tRUNNERS\tACTIVE")
	for _, n := range namespaces {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", n.Namespace, n.TaskCount, n.RunnerCount, n.ActiveRunnerCount)
	}
	w.Flush()
	return nil
}

func runRunners(cmd *cobra.Command, args []string) error {
	path := "/runners"
	if runnersTimeout > 0 {
		path += "?timeout_ms=" + strconv.FormatInt(runnersTimeout.Milliseconds(), 10)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var runners []models.RunnerWithStatus
	if err := json.Unmarshal(resp, &runners); err != nil {
		return err
	}
	if len(runners) == 0 {
		fmt.Println("No runners found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUNNER\tSTATUS\tALIVE\tLAST HEARTBEAT\tPROJECT")
	for _, r := range runners {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			r.RunnerID,
			r.Status,
			r.IsAlive,
			r.LastHeartbeat.Local().Format(time.DateTime),
			r.ProjectRoot,
		)
	}
	w.Flush()
	return nil
}

func runRunnersRemove(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/runners/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("Removed runner %s\n", args[0])
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(auditLimit))
	if auditTaskID != "" {
		q.Set("task_id", auditTaskID)
	}
	resp, err := apiGet("/audit?" + q.Encode())
	if err != nil {
		return err
	}

	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTASK\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Action,
			e.Outcome,
			truncateID(e.TaskID),
			truncate(oneLine(e.Details), 50),
		)
	}
	w.Flush()
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health != nil {
		fmt.Printf("OK:      %t\n", health.OK)
		fmt.Printf("DB:      %s\n", health.DB)
		fmt.Printf("Version: %s\n", health.Version)
	}
	return err
}
