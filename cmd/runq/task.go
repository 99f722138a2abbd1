package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a queued task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskRespondCmd = &cobra.Command{
	Use:   "respond [task-id]",
	Short: "Answer a task that is awaiting a response",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRespond,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id] [status]",
	Short: "Move a task to a new status",
	Long: `Moves a task to QUEUED, RUNNING, COMPLETE, ERROR, CANCELLED or
AWAITING_RESPONSE, subject to the allowed transitions.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskStatus,
}

var (
	taskPrompt    string
	taskGroup     string
	taskSession   string
	taskID        string
	taskType      string
	taskStatus    string
	taskNamespace string
	taskMessage   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskRespondCmd, taskStatusCmd)

	taskAddCmd.Flags().StringVarP(&taskPrompt, "prompt", "p", "", "Prompt for the agent (required)")
	taskAddCmd.Flags().StringVar(&taskGroup, "group", "", "Task group ID")
	taskAddCmd.Flags().StringVar(&taskSession, "session", "", "Session ID")
	taskAddCmd.Flags().StringVar(&taskID, "id", "", "Task ID (generated when empty)")
	taskAddCmd.Flags().StringVar(&taskType, "type", "", "Free-form task type")
	taskAddCmd.MarkFlagRequired("prompt")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (queued, running, complete, error, cancelled, awaiting_response)")
	taskListCmd.Flags().StringVar(&taskGroup, "group", "", "Filter by task group")
	taskListCmd.Flags().StringVar(&taskNamespace, "namespace", "", "List another namespace")

	taskShowCmd.Flags().StringVar(&taskNamespace, "namespace", "", "Look the task up in another namespace")

	taskRespondCmd.Flags().StringVarP(&taskMessage, "message", "m", "", "Response text (required)")
	taskRespondCmd.MarkFlagRequired("message")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := queue.EnqueueRequest{
		Prompt:      taskPrompt,
		TaskGroupID: taskGroup,
		SessionID:   taskSession,
		TaskID:      taskID,
		TaskType:    taskType,
	}

	resp, err := apiCreate("/tasks", body)
	if err != nil {
		return err
	}

	var item models.QueueItem
	if err := json.Unmarshal(resp, &item); err != nil {
		return err
	}

	fmt.Printf("Queued task: %s\n", item.TaskID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskGroup != "" {
		q.Set("group", taskGroup)
	}
	if taskNamespace != "" {
		q.Set("namespace", taskNamespace)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.QueueItem
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tGROUP\tPROMPT\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(t.TaskID),
			t.Status,
			truncate(t.TaskGroupID, 16),
			truncate(oneLine(t.Prompt), 40),
			t.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	path := "/tasks/" + url.PathEscape(args[0])
	if taskNamespace != "" {
		path += "?namespace=" + url.QueryEscape(taskNamespace)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var task models.QueueItem
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", task.TaskID)
	fmt.Printf("Namespace:   %s\n", task.Namespace)
	fmt.Printf("Group:       %s\n", task.TaskGroupID)
	if task.SessionID != "" {
		fmt.Printf("Session:     %s\n", task.SessionID)
	}
	if task.TaskType != "" {
		fmt.Printf("Type:        %s\n", task.TaskType)
	}
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Created:     %s\n", task.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Println("\n--- PROMPT ---")
	fmt.Println(task.Prompt)

	if c := task.Clarification; c != nil {
		fmt.Println("\n--- QUESTION ---")
		fmt.Println(c.Question)
		for i, opt := range c.Options {
			fmt.Printf("  %d. %s\n", i+1, opt)
		}
	}
	if len(task.ConversationHistory) > 0 {
		fmt.Println("\n--- CONVERSATION ---")
		for _, e := range task.ConversationHistory {
			fmt.Printf("[%s] %s\n", e.Role, e.Content)
		}
	}
	if task.ErrorMessage != "" {
		fmt.Println("\n--- ERROR ---")
		fmt.Println(task.ErrorMessage)
	}
	if task.Output != "" {
		fmt.Println("\n--- OUTPUT ---")
		fmt.Println(task.Output)
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiTransition("/tasks/"+url.PathEscape(args[0])+"/cancel", struct{}{}); err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", args[0])
	return nil
}

func runTaskRespond(cmd *cobra.Command, args []string) error {
	body := map[string]string{"response": taskMessage}
	if _, err := apiTransition("/tasks/"+url.PathEscape(args[0])+"/respond", body); err != nil {
		return err
	}
	fmt.Printf("Task %s resumed\n", args[0])
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	status := models.TaskStatus(strings.ToUpper(args[1]))
	body := map[string]models.TaskStatus{"status": status}
	if _, err := apiTransition("/tasks/"+url.PathEscape(args[0])+"/status", body); err != nil {
		return err
	}
	fmt.Printf("Task %s is now %s\n", args[0], status)
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
