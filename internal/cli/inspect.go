package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/config"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/store"
)

// loadSnapshot opens the configured store read-only-ish and loads the current
// snapshot for inspection commands.
func loadSnapshot() (store.Snapshot, error) {
	cfg, err := config.Load(os.Getenv("SECRETARY_CONFIG"))
	if err != nil {
		return nil, err
	}
	st, _, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return st.Load()
}

func conversationArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

var trackersCmd = &cobra.Command{
	Use:   "trackers [conversation]",
	Short: "Show persisted reminder trackers",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := loadSnapshot()
		if err != nil {
			return err
		}
		conv := conversationArg(args)
		shown := 0
		for id, rec := range snap {
			if conv != "" && id != conv {
				continue
			}
			for i, t := range rec.Trackers {
				fmt.Printf("%s  %d. %s  every %dm  next %s",
					id, i+1, t.SubjectID, t.IntervalSeconds/60,
					t.NextFireAt.Local().Format(time.RFC3339))
				if t.RestResumeAt != nil {
					fmt.Printf("  (deferred to %s)", t.RestResumeAt.Local().Format(time.RFC3339))
				}
				fmt.Println()
				shown++
			}
		}
		if shown == 0 {
			fmt.Println("No trackers found.")
		}
		return nil
	},
}

var windowsCmd = &cobra.Command{
	Use:   "windows [conversation]",
	Short: "Show persisted rest and focus windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := loadSnapshot()
		if err != nil {
			return err
		}
		conv := conversationArg(args)
		shown := 0
		for id, rec := range snap {
			if conv != "" && id != conv {
				continue
			}
			for _, w := range rec.Windows {
				fmt.Printf("%s  [%s] %s %s → %s", id, w.ID, w.Kind,
					w.StartAt.Local().Format("15:04"), w.EndAt.Local().Format("15:04"))
				if w.SubjectID != "" {
					fmt.Printf("  subject=%s", w.SubjectID)
				}
				if w.Note != "" {
					fmt.Printf("  %q", w.Note)
				}
				fmt.Println()
				shown++
			}
		}
		if shown == 0 {
			fmt.Println("No windows found.")
		}
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [conversation]",
	Short: "Show persisted attention state",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := loadSnapshot()
		if err != nil {
			return err
		}
		conv := conversationArg(args)
		shown := 0
		for id, rec := range snap {
			if conv != "" && id != conv {
				continue
			}
			if rec.Proactivity == nil {
				continue
			}
			p := rec.Proactivity
			fmt.Printf("%s  phase=%s pending_question=%v\n", id, p.Phase, p.PendingQuestion)
			for kind, s := range p.States {
				updated := "never"
				if s.UpdatedAt != nil {
					updated = s.UpdatedAt.Local().Format(time.RFC3339)
				}
				fmt.Printf("  %s: %s (updated %s)\n", kind, s.Value, updated)
			}
			shown++
		}
		if shown == 0 {
			fmt.Println("No attention state found.")
		}
		return nil
	},
}
