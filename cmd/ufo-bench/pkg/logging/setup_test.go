/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package logging

import (
	"testing"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetUp(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	assert.Nil(t, SetUp("debug", FormatJSON))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Nil(t, SetUp("warn", ""))
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)

	assert.NotNil(t, SetUp("loud", FormatText))
	assert.NotNil(t, SetUp("info", "xml"))
}

func TestWithContext(t *testing.T) {
	ctx := WithContext()
	assert.Same(t, log.L.Logger, log.G(ctx).Logger)
}
