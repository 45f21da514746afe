package main

import (
	"context"
	"flag"
	"fmt"

	"endpoint-posture/internal/services/auditverify"
)

// runVerify 是 verify 子命令路由：
// - verify audit：重算审计链，检查 chain_prev_hash 连续性与 chain_hash
func (c *cli) runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage(c)
		return nil
	}

	switch args[0] {
	case "audit":
		return c.runVerifyAudit(ctx, args[1:])
	default:
		printVerifyUsage(c)
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage(c *cli) {
	fmt.Fprintln(c.out, "Usage:")
	fmt.Fprintln(c.out, "  posture-cli verify audit [--client-id ID] [--json] [--db data/posture.db]")
}

// runVerifyAudit 不带 --client-id 时逐条校验全部审计链（含 client_id=0 的系统链）。
func (c *cli) runVerifyAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify audit", flag.ContinueOnError)
	clientID := fs.Int64("client-id", -1, "verify one chain only (0 = system chain)")
	asJSON := fs.Bool("json", false, "print as json")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		results []auditverify.Result
		ok      bool
	)
	if *clientID >= 0 {
		r, err := auditverify.VerifyClient(ctx, s.store, *clientID)
		if err != nil {
			return err
		}
		results, ok = []auditverify.Result{r}, r.OK
	} else {
		results, ok, err = auditverify.VerifyAll(ctx, s.store)
		if err != nil {
			return err
		}
	}

	if *asJSON {
		if err := printJSON(c.out, map[string]any{"ok": ok, "chains": results}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(c.out, "audit chain verify completed")
		for _, r := range results {
			fmt.Fprintf(c.out, "client_id=%d total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d last_chain_hash=%s\n",
				r.ClientID, r.Total, r.Failed, r.PrevHashFailed, r.ChainHashFailed, dash(r.LastChainHash))
			for _, f := range r.Failures {
				fmt.Fprintf(c.out, "FAIL seq=%d event_id=%s type=%s action=%s at=%s prev_mismatch=%t hash_mismatch=%t %s\n",
					f.Seq, f.EventID, f.EventType, f.Action, f.OccurredAt, f.PrevHashMismatch, f.ChainHashMismatch, f.Message)
			}
		}
	}
	if !ok {
		return fmt.Errorf("audit chain verify failed")
	}
	return nil
}
