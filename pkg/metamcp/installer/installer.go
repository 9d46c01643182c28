// Package installer runs package-manager installs on behalf of upstream
// server definitions that need a runtime dependency present. It is disabled
// unless allow_package_install is set in the configuration, validates
// package names against a conservative character class, and appends an
// audit row for every attempt.
package installer

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

// AllowEnvVar is the environment spelling of the allow_package_install
// config key; it appears in refusal messages so operators know what to set.
const AllowEnvVar = "METAMCP_ALLOW_PACKAGE_INSTALL"

const installTimeout = 5 * time.Minute

// Manager identifies a supported package manager.
type Manager string

const (
	// ManagerNpm installs global npm packages.
	ManagerNpm Manager = "npm"

	// ManagerApt installs system packages with apt-get.
	ManagerApt Manager = "apt"

	// ManagerPip installs Python packages with pip.
	ManagerPip Manager = "pip"

	// ManagerUv installs Python packages with uv.
	ManagerUv Manager = "uv"
)

// packageNamePattern is deliberately conservative: enough for scoped npm
// packages and pinned pip requirements, nothing that can smuggle shell
// metacharacters.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9@/._-]+$`)

// commandFor maps each manager to its install argv prefix.
var commandFor = map[Manager][]string{
	ManagerNpm: {"npm", "install", "-g"},
	ManagerApt: {"apt-get", "install", "-y"},
	ManagerPip: {"pip", "install"},
	ManagerUv:  {"uv", "pip", "install"},
}

// runCommand executes an argv and returns its combined output. Swapped out
// in tests.
type runCommand func(ctx context.Context, argv []string) (string, error)

// Installer runs gated package installs with audit logging.
type Installer struct {
	store   store.Store
	allowed bool
	run     runCommand
}

// New creates an installer over the audit store. allowed comes from the
// allow_package_install configuration key; when false every install request
// is refused and audited.
func New(st store.Store, allowed bool) *Installer {
	return &Installer{
		store:   st,
		allowed: allowed,
		run:     execCommand,
	}
}

func execCommand(ctx context.Context, argv []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	return string(out), err
}

// Install runs one package install and appends an audit row. The audit row
// is written for refused, failed, and successful attempts alike.
func (i *Installer) Install(ctx context.Context, manager Manager, packageName string, userID *string) error {
	argvPrefix, ok := commandFor[manager]
	if !ok {
		return fmt.Errorf("%w: unsupported package manager %q", metamcp.ErrValidation, manager)
	}
	if !packageNamePattern.MatchString(packageName) {
		return fmt.Errorf("%w: invalid package name %q", metamcp.ErrValidation, packageName)
	}

	argv := append(append([]string(nil), argvPrefix...), packageName)
	command := strings.Join(argv, " ")

	if !i.allowed {
		i.audit(ctx, manager, packageName, command, "", "REFUSED", userID)
		return fmt.Errorf("%w: package installation is disabled; set %s=true to enable",
			metamcp.ErrPolicyDenied, AllowEnvVar)
	}

	logger.Infof("Installing package %s via %s", packageName, manager)
	output, err := i.run(ctx, argv)
	if err != nil {
		i.audit(ctx, manager, packageName, command, output, "FAILED", userID)
		return fmt.Errorf("installing %s via %s: %w", packageName, manager, err)
	}
	i.audit(ctx, manager, packageName, command, output, "SUCCESS", userID)
	return nil
}

// audit appends the install record; failures are logged only, the install
// outcome already stands.
func (i *Installer) audit(ctx context.Context, manager Manager, packageName, command, output, status string, userID *string) {
	err := i.store.AppendInstallRecord(ctx, &metamcp.PackageInstallRecord{
		Manager:     string(manager),
		PackageName: packageName,
		Command:     command,
		Output:      output,
		Status:      status,
		UserID:      userID,
	})
	if err != nil {
		logger.Warnf("Appending install audit record for %s failed: %v", packageName, err)
	}
}
