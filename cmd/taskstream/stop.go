package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/taskstream/config"
	kvredis "goa.design/taskstream/features/kv/redis"
	"goa.design/taskstream/runtime/taskqueue"
)

func newStopCmd() *cobra.Command {
	var (
		user string
		from string
	)
	cmd := &cobra.Command{
		Use:   "stop TASK_ID",
		Short: "Request that a running task stops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invokeFrom, err := taskqueue.ParseInvokeFrom(from)
			if err != nil {
				return err
			}
			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}
			ctx := logContext(cmd.Context(), cfg.Log.Format, cfg.Log.Debug)
			rdb, err := newRedisClient(cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()
			store, err := kvredis.New(rdb)
			if err != nil {
				return err
			}
			reg, err := taskqueue.NewRegistry(store)
			if err != nil {
				return err
			}
			if err := taskqueue.SetStopFlag(ctx, reg, args[0], invokeFrom, user); err != nil {
				return fmt.Errorf("stop task %s: %w", args[0], err)
			}
			log.Print(ctx, log.KV{K: "msg", V: "stop requested"}, log.KV{K: "task_id", V: args[0]})
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user that owns the task")
	cmd.Flags().StringVar(&from, "from", string(taskqueue.InvokeFromServiceAPI), "surface the task was started from")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
