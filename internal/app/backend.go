package app

import (
	"github.com/ggonzalez94/cover-cli/internal/config"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	execsigner "github.com/ggonzalez94/cover-cli/internal/execution/signer"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/sirupsen/logrus"
)

// Backend builds the chain-facing pieces of a command. The default talks
// to RPC endpoints; tests swap in in-memory fakes.
type Backend struct {
	Source     func(settings config.Settings, meta ledger.MetadataCache, log logrus.FieldLogger) (ledger.Source, func())
	Dispatcher func(settings config.Settings, txSigner execsigner.Signer, opts execution.ExecuteOptions) (execution.Dispatcher, func())
	Signer     func(source execsigner.KeySource) (execsigner.Signer, error)
}

func DefaultBackend() Backend {
	return Backend{
		Source: func(settings config.Settings, meta ledger.MetadataCache, log logrus.FieldLogger) (ledger.Source, func()) {
			opts := []ledger.EVMOption{ledger.WithLogger(log)}
			if meta != nil {
				opts = append(opts, ledger.WithMetadataCache(meta, settings.MetadataTTL))
			}
			src := ledger.NewEVMSource(ledger.DialRPC(settings.RPCURLs), settings.Programs, opts...)
			return src, src.Close
		},
		Dispatcher: func(settings config.Settings, txSigner execsigner.Signer, opts execution.ExecuteOptions) (execution.Dispatcher, func()) {
			d := execution.NewEVMDispatcher(execution.DialRPC(settings.RPCURLs), txSigner, opts)
			return d, d.Close
		},
		Signer: func(source execsigner.KeySource) (execsigner.Signer, error) {
			return execsigner.Load(source, "")
		},
	}
}
