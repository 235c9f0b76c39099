package orchestrator

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/events"
	"github.com/agentpod/agentpod/internal/sandbox"
	sbconfig "github.com/agentpod/agentpod/internal/sandbox/config"
	"github.com/agentpod/agentpod/internal/sandbox/spec"
)

// CreateInput describes one sandbox creation request. Config must already
// be validated and defaulted; ConfigTOML is its serialized source, kept on
// the record for restarts.
type CreateInput struct {
	UserID     string
	Config     *sbconfig.SandboxConfig
	ConfigTOML string

	// RepoURL clones an existing repository; empty initializes a fresh one.
	RepoURL string
}

// Create provisions a sandbox: repository, container spec, and container,
// all under one record. Either everything exists afterwards or every
// partial artifact is rolled back. At most one Create per (user, slug)
// succeeds.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*sandbox.Sandbox, error) {
	if in.Config == nil {
		return nil, apperrors.Invalid("", "configuration is required")
	}
	if in.UserID == "" {
		return nil, apperrors.Invalid("", "user id is required")
	}

	slug := sandbox.Slugify(in.Config.Project.Name, "sandbox")
	sb := &sandbox.Sandbox{
		Slug:       slug,
		Name:       in.Config.Project.Name,
		UserID:     in.UserID,
		State:      sandbox.StateCreated,
		Flavor:     string(in.Config.Environment.Base),
		Tier:       string(in.Config.Resources.Tier),
		Network:    o.cfg.Proxy.Network,
		RepoName:   slug,
		ConfigTOML: in.ConfigTOML,
	}

	// The unique (user, slug) index makes this the at-most-once gate.
	if err := o.store.Create(ctx, sb); err != nil {
		return nil, err
	}

	repoCreated, err := o.ensureRepo(ctx, slug, in)
	if err != nil {
		o.rollbackCreate(ctx, sb, "", false)
		return nil, err
	}

	out, err := o.builder.Build(spec.BuildInput{
		SandboxID:     sb.ID,
		Slug:          slug,
		UserID:        in.UserID,
		Config:        in.Config,
		RepoPath:      o.repos.Path(slug),
		Registry:      spec.Registry(o.cfg.Registry),
		BaseDomain:    o.cfg.Proxy.BaseDomain,
		Network:       o.cfg.Proxy.Network,
		TLS:           o.cfg.Proxy.TLS,
		CertResolver:  o.cfg.Proxy.CertResolver,
		ManagementURL: o.cfg.Server.ResolvedManagementURL(),
	})
	if err != nil {
		o.rollbackCreate(ctx, sb, "", repoCreated)
		return nil, err
	}

	if err := o.runtime.EnsureNetwork(ctx, o.cfg.Proxy.Network); err != nil {
		o.rollbackCreate(ctx, sb, "", repoCreated)
		return nil, err
	}
	if err := o.runtime.EnsureImage(ctx, out.Spec.Image); err != nil {
		o.rollbackCreate(ctx, sb, "", repoCreated)
		return nil, err
	}

	containerID, err := o.runtime.CreateContainer(ctx, out.Spec)
	if err != nil {
		o.rollbackCreate(ctx, sb, "", repoCreated)
		return nil, err
	}

	sb.ContainerID = containerID
	sb.Image = out.Spec.Image
	sb.Resources = out.Resources
	sb.Ports = out.Ports
	sb.Labels = out.Spec.Labels
	sb.Command = out.Spec.Cmd
	for _, m := range out.Spec.Mounts {
		sb.Mounts = append(sb.Mounts, sandbox.Mount{
			Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly,
		})
	}
	if err := o.store.Update(ctx, sb); err != nil {
		o.rollbackCreate(ctx, sb, containerID, repoCreated)
		return nil, err
	}

	o.logger.Info("sandbox created",
		zap.String("sandbox_id", sb.ID),
		zap.String("slug", slug),
		zap.String("user_id", in.UserID),
		zap.String("container_id", containerID))
	o.publish(events.SandboxCreated, sb, nil)
	return sb, nil
}

// ensureRepo initializes or clones the sandbox repository. Returns whether
// this call created it (and thus owns rollback).
func (o *Orchestrator) ensureRepo(ctx context.Context, slug string, in CreateInput) (bool, error) {
	if o.repos.Exists(slug) {
		return false, nil
	}
	if in.RepoURL != "" {
		_, err := o.repos.Clone(ctx, in.RepoURL, slug)
		return err == nil, err
	}
	branch := in.Config.Git.DefaultBranch
	_, err := o.repos.Create(ctx, slug, branch)
	return err == nil, err
}

// rollbackCreate undoes the partial artifacts of a failed Create. Rollback
// is best-effort; leftovers are caught by reconciliation.
func (o *Orchestrator) rollbackCreate(ctx context.Context, sb *sandbox.Sandbox, containerID string, repoCreated bool) {
	if containerID != "" {
		if err := o.runtime.RemoveContainer(ctx, containerID, true); err != nil {
			o.logger.Warn("create rollback: container removal failed",
				zap.String("container_id", containerID), zap.Error(err))
		}
	}
	if repoCreated {
		if err := o.repos.Delete(ctx, sb.RepoName); err != nil {
			o.logger.Warn("create rollback: repo removal failed",
				zap.String("repo", sb.RepoName), zap.Error(err))
		}
	}
	if err := o.store.Delete(ctx, sb.ID); err != nil && !apperrors.IsNotFound(err) {
		o.logger.Warn("create rollback: record removal failed",
			zap.String("sandbox_id", sb.ID), zap.Error(err))
	}
}
