// Command mls-demo is a smoke-test harness: it runs a small group of
// in-process members through create/add/commit/send and prints the
// resulting epoch transcript, to exercise the mls package end to end
// without a real transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s3131212/mls-core/mls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mls-demo:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var suiteFlag uint16

	root := &cobra.Command{
		Use:   "mls-demo",
		Short: "Drive a small MLS group through creation, membership changes, and messaging",
	}
	root.PersistentFlags().Uint16Var(&suiteFlag, "suite", uint16(mls.X25519_AES128GCM_SHA256_Ed25519), "ciphersuite id")

	root.AddCommand(newRunCmd(&suiteFlag))
	return root
}

func newRunCmd(suiteFlag *uint16) *cobra.Command {
	var members []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a group, add members, and exchange one application message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(mls.CipherSuite(*suiteFlag), members)
		},
	}
	cmd.Flags().StringSliceVar(&members, "member", []string{"alice", "bob"}, "member identities, first is the founder")
	return cmd
}

type participant struct {
	name  string
	group *mls.Group
}

func runDemo(suite mls.CipherSuite, names []string) error {
	if len(names) < 2 {
		return fmt.Errorf("need at least a founder and one member, got %d", len(names))
	}

	crypto := mls.NewCryptoProvider(suite)
	cfg := mls.DefaultSenderRatchetConfig()

	founderName := names[0]
	founderStore := mls.NewMemoryKeyStore()
	founderSigPriv, founderSigPub, err := crypto.GenerateSignatureKeyPair()
	if err != nil {
		return fmt.Errorf("%s: generate signature keys: %w", founderName, err)
	}
	founderGroup, err := mls.CreateGroup(crypto, founderStore, []byte("mls-demo"), mls.BasicCredential([]byte(founderName)), founderSigPriv, founderSigPub, nil, cfg, 4)
	if err != nil {
		return fmt.Errorf("%s: create group: %w", founderName, err)
	}
	fmt.Printf("%s created group at epoch %d\n", founderName, founderGroup.GroupContext().Epoch)

	members := []participant{{name: founderName, group: founderGroup}}

	for _, name := range names[1:] {
		store := mls.NewMemoryKeyStore()
		sigPriv, sigPub, err := crypto.GenerateSignatureKeyPair()
		if err != nil {
			return fmt.Errorf("%s: generate signature keys: %w", name, err)
		}
		kp, err := mls.NewKeyPackageWithStore(crypto, store, mls.BasicCredential([]byte(name)), sigPriv, sigPub, mls.Lifetime{NotBefore: 0, NotAfter: ^uint64(0)}, nil)
		if err != nil {
			return fmt.Errorf("%s: build key package: %w", name, err)
		}

		if _, err := founderGroup.Propose(mls.Proposal{ProposalType: mls.ProposalAdd, Add: &mls.AddProposal{KeyPackage: *kp}}); err != nil {
			return fmt.Errorf("%s: propose add: %w", founderName, err)
		}
		commit, welcome, err := founderGroup.Commit(nil)
		if err != nil {
			return fmt.Errorf("%s: commit add: %w", founderName, err)
		}
		for _, m := range members[1:] {
			if _, err := m.group.ProcessMessage(commit); err != nil {
				return fmt.Errorf("%s: process add commit: %w", m.name, err)
			}
		}

		joined, err := mls.JoinGroup(crypto, store, welcome, kp, sigPriv, sigPub, cfg, 4)
		if err != nil {
			return fmt.Errorf("%s: join group: %w", name, err)
		}
		fmt.Printf("%s added %s, group now at epoch %d\n", founderName, name, joined.GroupContext().Epoch)
		members = append(members, participant{name: name, group: joined})
	}

	sender := members[len(members)-1]
	msg, err := sender.group.EncryptApplication(nil, []byte("hello from "+sender.name))
	if err != nil {
		return fmt.Errorf("%s: encrypt application message: %w", sender.name, err)
	}
	for _, m := range members {
		if m.name == sender.name {
			continue
		}
		pt, err := m.group.DecryptApplication(msg)
		if err != nil {
			return fmt.Errorf("%s: decrypt application message: %w", m.name, err)
		}
		fmt.Printf("%s received: %q\n", m.name, pt)
	}
	return nil
}
