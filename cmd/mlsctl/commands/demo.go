package commands

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	mls "github.com/suhasHere/mls-engine"
)

// demo runs a small group through its lifecycle inside one registry, with
// the registry itself standing in for the delivery service.
type demo struct {
	reg     *mls.Registry
	group   string
	members []string
	out     io.Writer
}

// broadcast delivers a handshake message to every member except the sender.
func (d *demo) broadcast(sender string, msg []byte) error {
	for _, m := range d.members {
		if m == sender {
			continue
		}
		if _, err := d.reg.ProcessMessage(d.group, m, msg); err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
	}
	return nil
}

func (d *demo) join(result *mls.CommitResult, joiners ...string) error {
	for i, name := range joiners {
		if _, err := d.reg.JoinGroup(name, result.Welcomes[i], nil); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		d.members = append(d.members, name)
	}
	return nil
}

func (d *demo) without(name string) {
	kept := d.members[:0]
	for _, m := range d.members {
		if m != name {
			kept = append(kept, m)
		}
	}
	d.members = kept
}

// check confirms that every member agrees on the epoch and exporter secret.
func (d *demo) check(step string) error {
	var epoch mls.Epoch
	var secret []byte
	for i, m := range d.members {
		e, err := d.reg.Epoch(d.group, m)
		if err != nil {
			return err
		}

		s, err := d.reg.ExportSecret(d.group, m, "mlsctl demo", nil, 16)
		if err != nil {
			return err
		}

		if i == 0 {
			epoch, secret = e, s
			continue
		}

		if e != epoch || !bytes.Equal(s, secret) {
			return fmt.Errorf("%s: %s disagrees with %s", step, m, d.members[0])
		}
	}

	fmt.Fprintf(d.out, "%-24s epoch=%d members=%v exporter=%s\n", step, epoch, d.members, hex.EncodeToString(secret))
	return nil
}

func (d *demo) run() error {
	creator := d.members[0]
	if err := d.reg.CreateGroup(d.group, creator); err != nil {
		return err
	}
	if err := d.check("create"); err != nil {
		return err
	}

	var kps [][]byte
	for _, name := range []string{"bob", "carol"} {
		kp, err := d.reg.GenerateKeyPackages(name, 1)
		if err != nil {
			return err
		}
		kps = append(kps, kp[0])
	}

	added, err := d.reg.AddMembers(d.group, creator, kps)
	if err != nil {
		return err
	}
	if err := d.join(added, "bob", "carol"); err != nil {
		return err
	}
	if err := d.check("add bob, carol"); err != nil {
		return err
	}

	ct, err := d.reg.EncryptMessage(d.group, "bob", []byte("hello"))
	if err != nil {
		return err
	}
	for _, m := range []string{creator, "carol"} {
		pt, sender, err := d.reg.DecryptMessage(d.group, m, ct)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.out, "%-24s %s read %q from leaf %d\n", "message", m, pt, sender)
	}

	updated, err := d.reg.SelfUpdate(d.group, "carol")
	if err != nil {
		return err
	}
	if err := d.broadcast("carol", updated.Commit); err != nil {
		return err
	}
	if err := d.check("carol self-update"); err != nil {
		return err
	}

	removed, err := d.reg.RemoveMembers(d.group, creator, []mls.LeafIndex{1})
	if err != nil {
		return err
	}
	if err := d.broadcast(creator, removed.Commit); err != nil {
		return err
	}
	d.without("bob")
	return d.check("remove bob")
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process group lifecycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := mls.NewRegistry(config())
			if err != nil {
				return err
			}
			defer reg.Close()

			d := &demo{
				reg:     reg,
				group:   "mlsctl-demo",
				members: []string{"alice"},
				out:     cmd.OutOrStdout(),
			}
			return d.run()
		},
	}
}
