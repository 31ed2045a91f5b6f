package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"simflow/internal/domain"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitConfig, exitCode(&domain.ConfigError{Msg: "bad"}))
	assert.Equal(t, exitConfig, exitCode(&domain.TemplateError{Section: "analyses", Key: "stop"}))
	assert.Equal(t, exitConflict, exitCode(&domain.ConflictError{
		Key:       domain.TaskKey{Project: "amp", Library: "cells", Cell: "inv"},
		RunningID: "abc",
	}))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

func TestCancelTaskHelpExplainsStoreOnlySemantics(t *testing.T) {
	cmd := cancelTaskCmd()
	assert.True(t, strings.Contains(cmd.Long, "supervised by another"),
		"help text must say cancellation only flips the store record")
	assert.True(t, strings.Contains(cmd.Long, "keeps executing"),
		"help text must warn the underlying process is not killed")
}
