// SPDX-License-Identifier: MIT

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUpdateCmdHasExpectedSubcommands(t *testing.T) {
	cmd := newUpdateCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"check", "install", "rollback"}, names)
}

func TestNewUpdateRollbackCmdFailsWithoutBackup(t *testing.T) {
	cmd := newUpdateRollbackCmd()
	err := cmd.RunE(cmd, nil)
	assert.Error(t, err)
}
