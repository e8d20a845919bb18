package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hakulab/haku/pkg/config"
	"github.com/hakulab/haku/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit [flags] -- COMMAND [ARGS...]",
	Short: "Submit a command task to one or more targets",
	Long: `Submit a command batch job. Targets use the grammar "host",
"host:numa" or "host::gpu,gpu"; repeat --target to fan the same command
out to several placements. With no targets the host picks a node.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := submitRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		req.Type = types.TaskCommand
		req.Command = args[0]
		req.Args = args[1:]

		return doSubmit(cmd, req)
	},
}

var vpsCmd = &cobra.Command{
	Use:   "vps --key PUBKEY_FILE [flags]",
	Short: "Start an interactive VPS container session",
	Long: `Start a VPS: a persistent container running an SSH daemon with your
public key installed. Connect through the host relay:

  ssh -o ProxyCommand='sh -c "printf \"HAKU-SSH %d\n\" <id>; exec nc HOST 7622"' root@vps`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		if keyPath == "" {
			return fmt.Errorf("--key is required")
		}
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("failed to read public key: %v", err)
		}

		req, err := submitRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		req.Type = types.TaskVPS
		req.Command = strings.TrimSpace(string(key))

		return doSubmit(cmd, req)
	},
}

func submitRequestFromFlags(cmd *cobra.Command) (*types.SubmitRequest, error) {
	cores, _ := cmd.Flags().GetInt("cores")
	mem, _ := cmd.Flags().GetString("mem")
	env, _ := cmd.Flags().GetString("env")
	targets, _ := cmd.Flags().GetStringArray("target")
	envVars, _ := cmd.Flags().GetStringArray("env-var")
	mounts, _ := cmd.Flags().GetStringArray("mount")

	memBytes, err := config.ParseMemory(mem)
	if err != nil {
		return nil, err
	}

	vars := map[string]string{}
	for _, kv := range envVars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env-var %q, want KEY=VALUE", kv)
		}
		vars[k] = v
	}

	req := &types.SubmitRequest{
		Cores:        cores,
		MemoryBytes:  memBytes,
		ContainerEnv: env,
		Targets:      targets,
		Mounts:       mounts,
	}
	if len(vars) > 0 {
		req.Env = vars
	}
	if cmd.Flags().Changed("privileged") {
		p, _ := cmd.Flags().GetBool("privileged")
		req.Privileged = &p
	}
	return req, nil
}

func doSubmit(cmd *cobra.Command, req *types.SubmitRequest) error {
	resp, err := hostClient(cmd).Submit(req)
	if err != nil {
		return err
	}

	for _, id := range resp.TaskIDs {
		fmt.Printf("task %d created\n", id)
	}
	for _, ft := range resp.FailedTargets {
		fmt.Fprintf(os.Stderr, "target %s rejected: %s\n", ft.Target, ft.Reason)
	}
	if len(resp.TaskIDs) == 0 {
		return fmt.Errorf("no tasks created")
	}
	return nil
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		tasks, err := hostClient(cmd).ListTasks(status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tNODE\tENV\tCREATED\tCOMMAND")
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Type, t.Status, t.TargetHostname, t.ContainerEnv,
				t.SubmittedAt.Format(time.RFC3339), shorten(t.Command, 40))
		}
		return w.Flush()
	},
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var taskCmd = &cobra.Command{
	Use:   "task ID",
	Short: "Show one task in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		t, err := hostClient(cmd).GetTask(id)
		if err != nil {
			return err
		}

		fmt.Printf("ID:       %d\n", t.ID)
		fmt.Printf("Type:     %s\n", t.Type)
		fmt.Printf("Status:   %s\n", t.Status)
		fmt.Printf("Node:     %s\n", t.TargetHostname)
		fmt.Printf("Env:      %s\n", t.ContainerEnv)
		fmt.Printf("Cores:    %d\n", t.RequiredCores)
		if t.BatchID != "" {
			fmt.Printf("Batch:    %s\n", t.BatchID)
		}
		if t.SSHPort != 0 {
			fmt.Printf("SSH port: %d\n", t.SSHPort)
		}
		if t.ExitCode != nil {
			fmt.Printf("Exit:     %d\n", *t.ExitCode)
		}
		if t.ErrorMessage != "" {
			fmt.Printf("Error:    %s\n", t.ErrorMessage)
		}
		fmt.Printf("Created:  %s\n", t.SubmittedAt.Format(time.RFC3339))
		if t.StartedAt != nil {
			fmt.Printf("Started:  %s\n", t.StartedAt.Format(time.RFC3339))
		}
		if t.CompletedAt != nil {
			fmt.Printf("Ended:    %s\n", t.CompletedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var killCmd = lifecycleCommand("kill", "Kill a task")
var pauseCmd = lifecycleCommand("pause", "Pause a running task")
var resumeCmd = lifecycleCommand("resume", "Resume a paused task")

func lifecycleCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c := hostClient(cmd)
			switch verb {
			case "kill":
				err = c.Kill(id)
			case "pause":
				err = c.Pause(id)
			case "resume":
				err = c.Resume(id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("task %d: %s requested\n", id, verb)
			return nil
		},
	}
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Stream a task's output from shared storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		stream := "stdout"
		if useStderr, _ := cmd.Flags().GetBool("stderr"); useStderr {
			stream = "stderr"
		}

		rc, err := hostClient(cmd).Logs(id, stream)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(os.Stdout, rc)
		return err
	},
}

var saveEnvCmd = &cobra.Command{
	Use:   "save-env ID NAME",
	Short: "Snapshot a running VPS into a new environment archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := hostClient(cmd).SaveEnv(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("environment %q saved from task %d\n", args[1], id)
		return nil
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, vpsCmd} {
		c.Flags().Int("cores", 1, "CPU cores to reserve")
		c.Flags().String("mem", "", "Memory limit (e.g. 512M, 4g)")
		c.Flags().String("env", "", `Environment name, or "NONE" for the system fallback`)
		c.Flags().StringArray("target", nil, "Placement target (repeatable)")
		c.Flags().StringArray("env-var", nil, "Environment variable KEY=VALUE (repeatable)")
		c.Flags().StringArray("mount", nil, "Extra bind mount host:container (repeatable)")
		c.Flags().Bool("privileged", false, "Run the container privileged")
	}
	vpsCmd.Flags().String("key", "", "Path to the SSH public key to install")

	psCmd.Flags().String("status", "", "Filter by status")
	logsCmd.Flags().Bool("stderr", false, "Stream stderr instead of stdout")
}
