package registry

import (
	"fmt"
	"strings"
)

type Program string

const (
	ProgramGovernance      Program = "governance"
	ProgramStakingPools    Program = "staking_pools"
	ProgramResolution      Program = "resolution"
	ProgramClaimsProcessor Program = "claims_processor"
)

func Programs() []Program {
	return []Program{ProgramGovernance, ProgramStakingPools, ProgramResolution, ProgramClaimsProcessor}
}

func ParseProgram(input string) (Program, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(input)), "-", "_")
	for _, program := range Programs() {
		if string(program) == norm {
			return program, true
		}
	}
	return "", false
}

// Program deployments are not embedded: they come from config, keyed by
// chain id, so a redeploy never needs a new binary.
type ProgramAddresses map[int64]map[Program]string

func (p ProgramAddresses) Set(chainID int64, program Program, address string) {
	if p[chainID] == nil {
		p[chainID] = map[Program]string{}
	}
	p[chainID][program] = strings.TrimSpace(address)
}

func ResolveProgramAddress(addresses ProgramAddresses, chainID int64, program Program) (string, error) {
	if byProgram, ok := addresses[chainID]; ok {
		if value := strings.TrimSpace(byProgram[program]); value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("no %s address configured for chain id %d; set programs.<chain>.%s in config", program, chainID, program)
}
