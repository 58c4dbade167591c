package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/directory"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/scim"
	"github.com/scimbridge/adsync/internal/stats"
)

// syncStats counts one entity kind over one forest cycle.
type syncStats struct {
	total, added, changed, deleted, invalid int
	inDbBefore, inDbAfter                   int
	toSync                                  int
}

func (s syncStats) changes() int {
	return s.added + s.changed + s.deleted
}

func (s syncStats) describe(allDataSynced bool) string {
	out := fmt.Sprintf("changes to sync: %d, retrieved: %d", s.toSync, s.total)
	if s.added > 0 {
		out += fmt.Sprintf(", new: %d", s.added)
	}
	if s.changed > 0 {
		out += fmt.Sprintf(", changed: %d", s.changed)
	}
	if s.deleted > 0 {
		out += fmt.Sprintf(", not present: %d", s.deleted)
	}
	if s.invalid > 0 {
		out += fmt.Sprintf(", invalid: %d", s.invalid)
	}
	if allDataSynced {
		out += fmt.Sprintf(", existed in database: %d, kept in database: %d", s.inDbBefore, s.inDbAfter)
	}
	return out
}

// forestSync carries the state of one per-forest directory pass.
type forestSync struct {
	m      *Monitor
	cfg    Config
	forest adtypes.Forest
	dc     adtypes.DomainController

	session           directory.Session
	sc                adtypes.SyncContext
	doFullSync        bool
	usnFloor          string
	highestFromServer string

	users, groups syncStats
	groupContexts []adtypes.GroupContext

	// isAllDataSynced means the enumeration covered the complete
	// membership, so residual-Unknown rows are genuinely gone from the
	// directory and may be marked for deletion.
	isAllDataSynced bool
	startTime       time.Time
}

// retrieveForestChanges runs the directory phase for one forest and
// returns the number of detected changes.
func (m *Monitor) retrieveForestChanges(ctx context.Context, cfg Config, f adtypes.Forest, dc adtypes.DomainController, forceFull bool) int {
	if f.SyncGroup == "" {
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("Main group is not configured for forest %s, cannot sync it", f.ObjectGUID))
		return 0
	}

	fs := &forestSync{m: m, cfg: cfg, forest: f, dc: dc, startTime: time.Now()}
	err := fs.run(ctx, forceFull)
	if err != nil {
		m.Log.Error(err, "Forest sync failed", "forest", f.ObjectGUID)
	}
	fs.recordCompletionEvent(err != nil)
	return fs.users.changes() + fs.groups.changes()
}

func (fs *forestSync) run(ctx context.Context, forceFull bool) error {
	m := fs.m
	var err error

	if fs.users.inDbBefore, err = m.store.CountPresentUsersOfForest(ctx, fs.forest.ObjectGUID); err != nil {
		return err
	}
	if fs.groups.inDbBefore, err = m.store.CountPresentGroupsOfForest(ctx, fs.forest.ObjectGUID); err != nil {
		return err
	}

	// Every present row starts the cycle unconfirmed; enumeration
	// reclassifies and whatever stays Unknown is gone from the directory.
	if err := m.store.SetStatusForPresentUsersOfForest(ctx, fs.forest.ObjectGUID, adtypes.StatusUnknown); err != nil {
		return err
	}
	if err := m.store.SetStatusForPresentGroupsOfForest(ctx, fs.forest.ObjectGUID, adtypes.StatusUnknown); err != nil {
		return err
	}

	sc, _, err := m.store.SelectSyncContext(ctx, fs.forest.ObjectGUID, fs.dc.Host)
	if err != nil {
		return err
	}
	sc.ForestGUID = fs.forest.ObjectGUID
	sc.DCHost = fs.dc.Host
	fs.sc = sc

	session, err := m.dialer.Dial(ctx, fs.forest.Credentials(fs.dc))
	if err != nil {
		m.handleAdError(fs.forest, fs.dc, err)
		return errors.Wrapf(err, "cannot open directory session to %s", fs.dc.Host)
	}
	defer session.Close()
	fs.session = session

	dse := session.RootDSE()
	fs.highestFromServer = dse.HighestCommittedUSN

	var reason string
	fs.doFullSync, reason = fs.decideFullSync(forceFull, dse)
	if !fs.doFullSync {
		fs.usnFloor = sc.HighestCommittedUSN
	}

	if fs.doFullSync {
		m.recorder.Record(events.TypeSync, events.CategoryInfo,
			fmt.Sprintf("Full sync started for main group: %s, DC: %s (reason: %s)",
				fs.forest.SyncGroup, fs.dc.Host, reason))
		m.adProgress.Set("Full Sync started", 0, -1)
	} else {
		m.recorder.Record(events.TypeSync, events.CategoryInfo,
			fmt.Sprintf("Delta sync started for main group: %s, DC: %s", fs.forest.SyncGroup, fs.dc.Host))
		m.adProgress.Set("Delta Sync started", 0, -1)
	}

	mainAd, found, err := session.RetrieveGroupByName(ctx, fs.forest.SyncGroup)
	if err != nil {
		m.handleAdError(fs.forest, fs.dc, err)
		return errors.Wrapf(err, "cannot retrieve main group %s", fs.forest.SyncGroup)
	}
	if !found {
		m.recorder.Record(events.TypeSync, events.CategoryWarning,
			"There is no main group present, deleting all existing groups and users from db")
		if err := fs.deleteMainGroups(ctx); err != nil {
			return err
		}
		fs.isAllDataSynced = true
		return fs.finish(ctx)
	}
	stats.RetrievedGroups(fs.forest.ObjectGUID, 1)

	mainCtx, include, err := fs.processGroup(ctx, mainAd, true)
	if err != nil {
		return err
	}
	if include {
		fs.groupContexts = append(fs.groupContexts, mainCtx)
	}

	if err := fs.enumerateSubgroups(ctx, mainAd.DistinguishedName); err != nil {
		return err
	}

	userCount := 0
	for _, gc := range fs.groupContexts {
		if m.shouldStop.Load() {
			return fs.finish(ctx)
		}
		if err := fs.syncGroupMembers(ctx, gc, &userCount); err != nil {
			return err
		}
	}

	if !m.shouldStop.Load() {
		if err := fs.scanTombstones(ctx); err != nil {
			return err
		}
	}
	if !m.shouldStop.Load() {
		fs.isAllDataSynced = true
	}
	return fs.finish(ctx)
}

func (fs *forestSync) decideFullSync(forceFull bool, dse directory.RootDSE) (bool, string) {
	switch {
	case forceFull:
		return true, "full sync requested"
	case fs.sc.HighestCommittedUSN == "" || fs.sc.LastFullSync.IsZero():
		return true, "config changed"
	case fs.sc.InvocationID != "" && fs.sc.InvocationID != dse.InvocationID:
		return true, "domain controller invocation id changed"
	case fs.sc.DCDNSName != "" && fs.sc.DCDNSName != dse.DNSHostName:
		return true, "domain controller changed"
	case fs.sc.NeedsFullSync(time.Now()):
		return true, "last full sync older than 1 day"
	}
	return false, ""
}

// enumerateSubgroups visits every direct member group of the main group.
// When subgroup support is off the groups are still processed, so any
// straggler rows get marked deleted, but their members are not synced.
func (fs *forestSync) enumerateSubgroups(ctx context.Context, mainDN string) error {
	m := fs.m
	count := 0
	var procErr error
	q := directory.Query{Filter: directory.MemberGroupsFilter(mainDN, "")}
	err := fs.session.RetrieveGroups(ctx, q, func(g adtypes.AdGroup) bool {
		if m.shouldStop.Load() || ctx.Err() != nil {
			return false
		}
		count++
		gc, include, perr := fs.processGroup(ctx, g, false)
		if perr != nil {
			procErr = perr
			return false
		}
		if include && fs.cfg.EnableSubgroups {
			fs.groupContexts = append(fs.groupContexts, gc)
		}
		return true
	})
	stats.RetrievedGroups(fs.forest.ObjectGUID, count)
	if procErr != nil {
		return procErr
	}
	if err != nil {
		m.handleAdError(fs.forest, fs.dc, err)
		return errors.Wrap(err, "cannot enumerate subgroups")
	}
	return nil
}

// syncGroupMembers enumerates the user members of one group. An unchanged
// subgroup during a delta pass skips the query and confirms the cached
// members wholesale.
func (fs *forestSync) syncGroupMembers(ctx context.Context, gc adtypes.GroupContext, userCount *int) error {
	m := fs.m
	fullScan := fs.doFullSync || gc.IsUSNChanged || fs.usnFloor == ""
	floor := fs.usnFloor

	if fullScan {
		// Members confirmed by an earlier group of this cycle keep their
		// confirmation under a different status, so the residual rule
		// cannot delete users shared between subgroups.
		if err := m.store.SetStatusForMembersOfGroup(ctx, gc.ObjectGUID,
			adtypes.StatusPresent, adtypes.StatusPresentInOtherGroups); err != nil {
			return err
		}
		floor = ""
	} else {
		if err := m.store.SetStatusForMembersOfGroup(ctx, gc.ObjectGUID,
			adtypes.StatusUnknown, adtypes.StatusPresent); err != nil {
			return err
		}
	}

	mode := "Delta"
	if fs.doFullSync {
		mode = "Full"
	}

	var procErr error
	var seen []string
	count := 0
	q := directory.Query{
		Filter:      directory.MemberUsersFilter(gc.DistinguishedName, fs.cfg.UserSearchFilter, floor),
		SortByUSN:   true,
		WithAvatars: fs.cfg.EnableAvatars,
	}
	err := fs.session.RetrieveUsers(ctx, q, func(u adtypes.AdUser) bool {
		if m.shouldStop.Load() || ctx.Err() != nil {
			return false
		}
		if perr := fs.processUser(ctx, u); perr != nil {
			procErr = perr
			return false
		}
		seen = append(seen, u.ObjectGUID)
		count++
		*userCount++
		m.adProgress.Set(fmt.Sprintf("%s AD Sync, %d users", mode, *userCount), *userCount, -1)
		if *userCount%100 == 0 {
			m.recorder.Record(events.TypeSync, events.CategoryInfo,
				fmt.Sprintf("Retrieved %d users so far", *userCount))
		}
		return true
	})
	stats.RetrievedUsers(fs.forest.ObjectGUID, count)
	if procErr != nil {
		return procErr
	}
	if err != nil {
		m.handleAdError(fs.forest, fs.dc, err)
		return errors.Wrapf(err, "cannot enumerate users of group %s", gc.CN)
	}
	if m.shouldStop.Load() {
		return nil
	}

	if fullScan {
		// Stale membership rows go, then the group's watermark may move.
		if _, err := m.store.DeleteMembershipsOfGroupNotIn(ctx, gc.ObjectGUID, seen); err != nil {
			return err
		}
		if err := m.store.SetGroupUSNChanged(ctx, gc.ObjectGUID, gc.USNChanged); err != nil {
			return err
		}
	}
	return nil
}

// scanTombstones marks cached users whose directory object moved to the
// deleted-objects container.
func (fs *forestSync) scanTombstones(ctx context.Context) error {
	m := fs.m
	var guids []string
	var selErr error
	err := fs.session.RetrieveDeletedObjectGUIDs(ctx, func(guid string) bool {
		if m.shouldStop.Load() || ctx.Err() != nil {
			return false
		}
		u, ok, err := m.store.SelectUser(ctx, guid)
		if err != nil {
			selErr = err
			return false
		}
		if ok && !u.IsDeleted {
			guids = append(guids, guid)
		}
		return true
	})
	if selErr != nil {
		return selErr
	}
	if err != nil {
		m.handleAdError(fs.forest, fs.dc, err)
		return errors.Wrap(err, "cannot scan deleted objects")
	}
	if m.shouldStop.Load() {
		return nil
	}
	n, err := m.store.MarkUsersDeleted(ctx, guids)
	if err != nil {
		return err
	}
	fs.users.deleted += int(n)
	return nil
}

// deleteMainGroups queues the stored main group rows for cloud deletion.
// Only the no-main-group path does this; the residual rule spares them.
func (fs *forestSync) deleteMainGroups(ctx context.Context) error {
	groups, err := fs.m.store.SelectGroupsOfForest(ctx, fs.forest.ObjectGUID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if !g.IsMainGroup || g.IsDeleted {
			continue
		}
		g.IsDeleted = true
		g.IsSentToWebserver = false
		g.Status = adtypes.StatusNotPresent
		if err := fs.m.store.UpsertGroup(ctx, g); err != nil {
			return err
		}
		fs.groups.deleted++
	}
	return nil
}

// finish marks residuals, evaluates the anomaly gate and commits the
// watermark. An interrupted cycle skips all of it so the next run can
// still tell missing from unseen.
func (fs *forestSync) finish(ctx context.Context) error {
	m := fs.m
	stopped := m.shouldStop.Load()

	if fs.isAllDataSynced && !stopped {
		if err := fs.markResiduals(ctx); err != nil {
			return err
		}
		var err error
		if fs.users.inDbAfter, err = m.store.CountPresentUsersOfForest(ctx, fs.forest.ObjectGUID); err != nil {
			return err
		}
		if fs.groups.inDbAfter, err = m.store.CountPresentGroupsOfForest(ctx, fs.forest.ObjectGUID); err != nil {
			return err
		}
		m.evaluateAnomaly(ctx, fs.cfg, fs.forest, fs.users, fs.groups)
	}

	if n, err := m.store.CountUnsentUsers(ctx); err == nil {
		fs.users.toSync = n
	}
	if n, err := m.store.CountUnsentGroups(ctx); err == nil {
		fs.groups.toSync = n
	}

	if !stopped {
		if fs.isAllDataSynced {
			fs.sc.HighestCommittedUSN = fs.highestFromServer
		}
		if fs.doFullSync && fs.isAllDataSynced {
			fs.sc.LastFullSync = time.Now()
		}
		dse := fs.session.RootDSE()
		fs.sc.InvocationID = dse.InvocationID
		fs.sc.DCDNSName = dse.DNSHostName
		if err := m.store.SaveSyncContext(ctx, fs.sc); err != nil {
			return err
		}
	}

	m.wasAuthErrorReported = false
	m.wasConnectionErrorReported = false
	return nil
}

func (fs *forestSync) markResiduals(ctx context.Context) error {
	m := fs.m
	n, err := m.store.MarkResidualUsersOfForest(ctx, fs.forest.ObjectGUID)
	if err != nil {
		return err
	}
	fs.users.deleted += int(n)
	gn, err := m.store.MarkResidualGroupsOfForest(ctx, fs.forest.ObjectGUID)
	if err != nil {
		return err
	}
	fs.groups.deleted += int(gn)

	if n > 0 {
		sample, err := m.store.SelectNotPresentUsersOfForest(ctx, fs.forest.ObjectGUID, 10)
		if err != nil {
			return err
		}
		logins := make([]string, 0, len(sample))
		for i := range sample {
			logins = append(logins, sample[i].Login())
		}
		m.Log.Info("Users no longer present in the directory", "count", n, "sample", logins)
	}
	return nil
}

func (fs *forestSync) recordCompletionEvent(failed bool) {
	verb := "completed"
	switch {
	case fs.m.shouldStop.Load():
		verb = "cancelled"
	case failed || !fs.isAllDataSynced:
		verb = "incomplete"
	}
	elapsed := int(time.Since(fs.startTime).Round(time.Minute) / time.Minute)
	fs.m.recorder.Record(events.TypeSync, events.CategoryInfo,
		fmt.Sprintf("Active Directory sync %s. GROUPS %s. USERS %s. Elapsed time: %d minutes",
			verb, fs.groups.describe(fs.isAllDataSynced), fs.users.describe(fs.isAllDataSynced), elapsed))
}

// processGroup reconciles one enumerated group against the cache. The
// returned context is appended to the enumeration list unless the group is
// quarantined after a cloud-side delete.
func (fs *forestSync) processGroup(ctx context.Context, g adtypes.AdGroup, isMain bool) (adtypes.GroupContext, bool, error) {
	m := fs.m
	fs.groups.total++

	existing, found, err := m.store.SelectGroup(ctx, g.ObjectGUID)
	if err != nil {
		return adtypes.GroupContext{}, false, err
	}
	if found && existing.WebserverError == 404 {
		m.recorder.Record(events.TypeSync, events.CategoryWarning,
			fmt.Sprintf("Ignoring cloud-deleted group: %s", g.CN))
		return adtypes.GroupContext{}, false, nil
	}

	gc := adtypes.GroupContext{
		ObjectGUID:        g.ObjectGUID,
		CN:                g.CN,
		DistinguishedName: g.DistinguishedName,
		USNChanged:        g.USNChanged,
	}

	if !found {
		db := adtypes.NewDbGroup(g, fs.forest.ObjectGUID)
		db.IsMainGroup = isMain
		// The main group itself is never pushed, it only anchors the
		// membership; same for subgroups while the feature is off.
		if isMain || !fs.cfg.EnableSubgroups {
			db.IsSentToWebserver = true
		}
		if !isMain && !fs.cfg.EnableSubgroups {
			db.IsDeleted = true
		}
		db.ValidState = adtypes.ValidStateValid
		if err := scim.ValidateGroup(&db); err != nil {
			db.ValidState = adtypes.ValidStateInvalid
			fs.groups.invalid++
			m.recorder.Record(events.TypeSync, events.CategoryError,
				fmt.Sprintf("Group is not valid: %s, error: %v", g.CN, err))
		}
		if err := m.store.UpsertGroup(ctx, db); err != nil {
			return adtypes.GroupContext{}, false, err
		}
		fs.groups.added++
		gc.IsUSNChanged = true
		return gc, true, nil
	}

	isUsnChanged := existing.USNChanged != g.USNChanged
	changed := isUsnChanged && !existing.AdGroup.EqualAttributes(&g)

	db := existing
	db.AdGroup = g
	db.ValidState = existing.ValidState
	db.IsMainGroup = existing.IsMainGroup || isMain
	if isUsnChanged {
		// The stored watermark only moves after the member enumeration of
		// this group succeeds.
		db.USNChanged = existing.USNChanged
	}

	switch {
	case !isMain && !fs.cfg.EnableSubgroups:
		if !existing.IsDeleted {
			changed = true
		}
		db.IsDeleted = true
	case fs.cfg.EnableSubgroups && !changed && existing.IsDeleted && !g.IsDeleted:
		// The group came back after a forced delete (subgroups toggled
		// off and on again).
		db.IsDeleted = false
		changed = true
	default:
		db.IsDeleted = existing.IsDeleted && g.IsDeleted
	}

	if changed {
		db.IsSentToWebserver = false
		if scim.IsPermanentError(db.WebserverError) {
			db.WebserverError = 0
		}
		fs.groups.changed++
	}
	if isMain {
		db.IsSentToWebserver = true
	}

	db.ValidState = adtypes.ValidStateValid
	if err := scim.ValidateGroup(&db); err != nil {
		db.ValidState = adtypes.ValidStateInvalid
		fs.groups.invalid++
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("Group is not valid: %s, error: %v", g.CN, err))
	}
	db.Status = adtypes.StatusPresent
	if err := m.store.UpsertGroup(ctx, db); err != nil {
		return adtypes.GroupContext{}, false, err
	}
	gc.IsUSNChanged = isUsnChanged
	return gc, true, nil
}

// processUser reconciles one enumerated user against the cache.
func (fs *forestSync) processUser(ctx context.Context, u adtypes.AdUser) error {
	m := fs.m
	fs.users.total++

	existing, found, err := m.store.SelectUser(ctx, u.ObjectGUID)
	if err != nil {
		return err
	}

	if u.IsDisabled() && !found {
		m.recorder.Record(events.TypeSync, events.CategoryInfo,
			fmt.Sprintf("User account is disabled: %s", u.Login()))
		return nil
	}
	if u.UserPrincipalName == "" {
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("User has no userPrincipalName, cannot sync: %s", u.CN))
		fs.users.invalid++
		return nil
	}
	if found && existing.WebserverError == 404 {
		// Quarantined after a cloud-side delete; left alone until the
		// directory entry changes enough to warrant a re-create.
		return nil
	}
	if u.IsDisabled() {
		u.IsDeleted = true
	}

	groupGUIDs, err := fs.resolveMemberships(ctx, u.MemberOf)
	if err != nil {
		return err
	}

	if !found {
		db := adtypes.NewDbUser(u, fs.forest.ObjectGUID)
		db.ValidState = adtypes.ValidStateValid
		if err := scim.ValidateUser(&db); err != nil {
			db.ValidState = adtypes.ValidStateInvalid
			fs.users.invalid++
			m.recorder.Record(events.TypeSync, events.CategoryError,
				fmt.Sprintf("User is not valid: %s, error: %v", u.Login(), err))
		}
		if err := m.store.UpsertUser(ctx, db); err != nil {
			return err
		}
		if err := m.store.ReplaceUserGroupMemberships(ctx, u.ObjectGUID, groupGUIDs); err != nil {
			return err
		}
		if err := fs.storeAvatar(ctx, &u, ""); err != nil {
			return err
		}
		fs.users.added++
		return nil
	}

	changed := !existing.AdUser.EqualAttributes(&u)
	if !changed {
		prev, err := m.store.SelectGroupGUIDsOfUser(ctx, u.ObjectGUID)
		if err != nil {
			return err
		}
		changed = !equalStringSets(prev, groupGUIDs)
	}

	db := existing
	db.AdUser = u
	db.ValidState = existing.ValidState
	db.SetPasswordChangedFlag(existing.IsPasswordChanged())

	if changed && existing.PwdLastSet != "" && existing.PwdLastSet != u.PwdLastSet {
		db.SetPasswordChangedFlag(true)
		m.recorder.Record(events.TypeSync, events.CategoryInfo,
			fmt.Sprintf("Password change detected for user: %s", u.Login()))
	}
	if changed {
		db.IsSentToWebserver = false
		if scim.IsPermanentError(db.WebserverError) {
			db.WebserverError = 0
		}
		fs.users.changed++
	}

	db.ValidState = adtypes.ValidStateValid
	if err := scim.ValidateUser(&db); err != nil {
		db.ValidState = adtypes.ValidStateInvalid
		fs.users.invalid++
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("User is not valid: %s, error: %v", u.Login(), err))
	}
	db.Status = adtypes.StatusPresent
	if err := m.store.UpsertUser(ctx, db); err != nil {
		return err
	}
	if err := m.store.ReplaceUserGroupMemberships(ctx, u.ObjectGUID, groupGUIDs); err != nil {
		return err
	}
	return fs.storeAvatar(ctx, &u, existing.AvatarMD5)
}

// resolveMemberships maps the memberOf DNs onto cached group GUIDs.
// Groups outside the sync scope are simply not in the cache and drop out.
func (fs *forestSync) resolveMemberships(ctx context.Context, memberOf []string) ([]string, error) {
	var guids []string
	for _, dn := range memberOf {
		g, ok, err := fs.m.store.SelectGroupByDN(ctx, dn)
		if err != nil {
			return nil, err
		}
		if ok && !g.IsDeleted {
			guids = append(guids, g.ObjectGUID)
		}
	}
	return guids, nil
}

func (fs *forestSync) storeAvatar(ctx context.Context, u *adtypes.AdUser, previousMD5 string) error {
	if !fs.cfg.EnableAvatars || len(u.Avatar) == 0 || u.AvatarMD5 == previousMD5 {
		return nil
	}
	return fs.m.store.UpsertUserAvatar(ctx, u.ObjectGUID, u.Avatar, u.AvatarMD5)
}

// handleAdError classifies a directory failure and reports it. Only the
// first auth and the first connectivity problem of a run become events;
// repeats are log-only.
func (m *Monitor) handleAdError(f adtypes.Forest, dc adtypes.DomainController, err error) {
	res := directory.ClassifyBindError(err)
	switch res.Status {
	case directory.AuthInvalidCredentials:
		msg := fmt.Sprintf("Cannot login to domain controller %s as %s: invalid credentials", dc.Host, f.UserName)
		if res.SubCode != "" {
			msg += fmt.Sprintf(" (%s)", res.SubCode)
		}
		if m.wasAuthErrorReported {
			m.Log.Info("Suppressing repeated authentication error", "host", dc.Host)
		} else {
			m.wasAuthErrorReported = true
			m.recorder.Record(events.TypeAuth, events.CategoryError, msg)
		}
	case directory.AuthServerUnreachable:
		if m.wasConnectionErrorReported {
			m.Log.Info("Suppressing repeated connection error", "host", dc.Host)
		} else {
			m.wasConnectionErrorReported = true
			m.recorder.Record(events.TypeSync, events.CategoryError,
				fmt.Sprintf("Domain controller %s is not reachable: %v", dc.Host, err))
		}
	default:
		m.recorder.Record(events.TypeSync, events.CategoryError,
			fmt.Sprintf("Directory error on %s: %v", dc.Host, err))
	}
	m.adProgress.SetText("AD error")
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
