// Package pusher drains the local push queue into the cloud over SCIM.
// It runs as a plain synchronous loop: one row at a time, groups before
// users so that membership references resolve on the server side.
package pusher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/scim"
	"github.com/scimbridge/adsync/internal/stats"
	"github.com/scimbridge/adsync/internal/status"
)

// Store is the slice of the database the pusher needs. *store.Store
// satisfies it.
type Store interface {
	ClearWebserverErrorsNotIn(ctx context.Context, permanent []int) error
	ClearGroupWebserverErrorsNotIn(ctx context.Context, permanent []int) error

	SelectOneGroupNotSentToWebserver(ctx context.Context, skip int) (adtypes.DbGroup, bool, error)
	SelectOneUserNotSentToWebserver(ctx context.Context, skip int) (adtypes.DbUser, bool, error)
	CountUnsentUsers(ctx context.Context) (int, error)

	SelectGroupsOfUser(ctx context.Context, userGUID string) ([]adtypes.DbGroup, error)
	SelectUserAvatar(ctx context.Context, userGUID string) ([]byte, string, error)

	SetUserPushState(ctx context.Context, objectGUID, qliqID string, sent bool, webserverError int) error
	SetGroupPushState(ctx context.Context, objectGUID, qliqID string, sent bool, webserverError int) error
	SetUserValidState(ctx context.Context, objectGUID string, validState int) error
	SetGroupValidState(ctx context.Context, objectGUID string, validState int) error
	SetUserAccountControl(ctx context.Context, objectGUID string, uac uint32) error
	MarkUserCloudDeleted(ctx context.Context, objectGUID string, webserverError int) error
	MarkGroupCloudDeleted(ctx context.Context, objectGUID string, webserverError int) error
	DeleteUser(ctx context.Context, objectGUID string) error
	DeleteGroup(ctx context.Context, objectGUID string) error
	DeleteDanglingMemberships(ctx context.Context) (int64, error)
}

// Client is the SCIM surface the pusher calls. *scim.Client satisfies it.
type Client interface {
	SetTarget(baseURL, apiKey string)
	CreateUser(ctx context.Context, body map[string]interface{}, avatar []byte) scim.Result
	GetUser(ctx context.Context, qliqID string) scim.Result
	UpdateUser(ctx context.Context, qliqID string, body map[string]interface{}, avatar []byte) scim.Result
	DeleteUser(ctx context.Context, qliqID string) scim.Result
	CreateGroup(ctx context.Context, body map[string]interface{}) scim.Result
	GetGroup(ctx context.Context, qliqID string) scim.Result
	UpdateGroup(ctx context.Context, qliqID string, body map[string]interface{}) scim.Result
	DeleteGroup(ctx context.Context, qliqID string) scim.Result
}

type counts struct {
	created, updated, deleted, failed int
}

func (c counts) any() bool {
	return c.created != 0 || c.updated != 0 || c.deleted != 0 || c.failed != 0
}

func (c counts) describe() string {
	msg := ""
	if c.created > 0 {
		msg += fmt.Sprintf(" created: %d", c.created)
	}
	if c.updated > 0 {
		msg += fmt.Sprintf(" updated: %d", c.updated)
	}
	if c.deleted > 0 {
		msg += fmt.Sprintf(" deleted: %d", c.deleted)
	}
	if c.failed > 0 {
		msg += fmt.Sprintf(" failed: %d", c.failed)
	}
	return msg
}

// Pusher pushes pending rows to the cloud. One Run is one cycle; the
// monitor calls it after every sync pass and never concurrently.
type Pusher struct {
	Log logr.Logger

	// SubgroupsEnabled embeds group references in user payloads.
	SubgroupsEnabled bool
	// AvatarsEnabled attaches the stored photo to user payloads.
	AvatarsEnabled bool

	store    Store
	client   Client
	recorder *events.Recorder
	progress *status.Tracker

	// Skip cursors ride over rows that already failed this cycle so one
	// poisoned row cannot wedge the queue.
	userSkip  int
	groupSkip int

	users  counts
	groups counts

	pushedUserChanges int
	startTime         time.Time
}

func New(log logr.Logger, store Store, client Client, recorder *events.Recorder, progress *status.Tracker) *Pusher {
	return &Pusher{
		Log:      log,
		store:    store,
		client:   client,
		recorder: recorder,
		progress: progress,
	}
}

// Configure applies a configuration reload. The caller guarantees no push
// cycle is running.
func (p *Pusher) Configure(webServerAddress, apiKey string, subgroupsEnabled, avatarsEnabled bool) {
	p.client.SetTarget(webServerAddress, apiKey)
	p.SubgroupsEnabled = subgroupsEnabled
	p.AvatarsEnabled = avatarsEnabled
}

// Run drains the queue until it is empty, the context is cancelled, or a
// network error interrupts the cycle. Rows that earned a transient error
// in a previous cycle are retried; permanent errors stay until the
// directory data changes.
func (p *Pusher) Run(ctx context.Context) error {
	p.userSkip, p.groupSkip = 0, 0
	p.users, p.groups = counts{}, counts{}
	p.pushedUserChanges = 0
	p.startTime = time.Now()
	p.progress.Reset()

	p.recorder.Record(events.TypeWebPush, events.CategoryInfo, "Push to the cloud started")
	if err := p.store.ClearWebserverErrorsNotIn(ctx, scim.PermanentErrors); err != nil {
		return errors.Wrap(err, "cannot clear user webserver errors")
	}
	if err := p.store.ClearGroupWebserverErrorsNotIn(ctx, scim.PermanentErrors); err != nil {
		return errors.Wrap(err, "cannot clear group webserver errors")
	}

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		pushed, err := p.pushOne(ctx)
		if err != nil {
			runErr = err
			break
		}
		if !pushed {
			break
		}
	}

	if n, err := p.store.DeleteDanglingMemberships(ctx); err != nil {
		p.Log.Error(err, "Cannot delete dangling memberships")
	} else if n > 0 {
		p.Log.Info("Deleted dangling membership rows", "count", n)
	}

	p.progress.Reset()
	p.recordFinishEvent(runErr != nil)
	return runErr
}

// pushOne pushes the next pending row. Groups go first so that user
// payloads can reference them.
func (p *Pusher) pushOne(ctx context.Context) (bool, error) {
	g, ok, err := p.nextGroup(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return true, p.pushGroup(ctx, g)
	}
	u, ok, err := p.nextUser(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return true, p.pushUser(ctx, u)
	}
	return false, nil
}

func (p *Pusher) nextGroup(ctx context.Context) (adtypes.DbGroup, bool, error) {
	for {
		g, ok, err := p.store.SelectOneGroupNotSentToWebserver(ctx, p.groupSkip)
		if err != nil || !ok {
			return adtypes.DbGroup{}, false, err
		}
		if g.WebserverError != 0 && g.WebserverError/100 != 2 {
			p.Log.V(1).Info("Skipping group because of previous webserver error",
				"name", g.DisplayName(), "qliqId", g.QliqID, "error", g.WebserverError, "skip", p.groupSkip)
			p.groupSkip++
			continue
		}
		return g, true, nil
	}
}

func (p *Pusher) nextUser(ctx context.Context) (adtypes.DbUser, bool, error) {
	for {
		u, ok, err := p.store.SelectOneUserNotSentToWebserver(ctx, p.userSkip)
		if err != nil || !ok {
			return adtypes.DbUser{}, false, err
		}
		if u.WebserverError != 0 && u.WebserverError/100 != 2 {
			p.Log.V(1).Info("Skipping user because of previous webserver error",
				"login", u.Login(), "qliqId", u.QliqID, "error", u.WebserverError, "skip", p.userSkip)
			p.userSkip++
			continue
		}
		return u, true, nil
	}
}

func (p *Pusher) pushGroup(ctx context.Context, g adtypes.DbGroup) error {
	if g.IsDeleted {
		return p.deleteGroup(ctx, g)
	}

	if err := scim.ValidateGroup(&g); err != nil {
		p.recorder.Record(events.TypeWebPush, events.CategoryError,
			fmt.Sprintf("Group is not valid for the cloud: %v, objectGuid: %s", err, g.ObjectGUID))
		p.groups.failed++
		p.groupSkip++
		return p.store.SetGroupValidState(ctx, g.ObjectGUID, adtypes.ValidStateInvalid)
	}

	body := scim.GroupToMap(&g)
	if g.QliqID == "" {
		p.Log.Info("Creating group", "name", g.DisplayName())
		res := p.request(p.client.CreateGroup(ctx, body))
		switch {
		case res.StatusCode == 201:
			qliqID := res.ID()
			if qliqID == "" {
				p.recorder.Record(events.TypeWebPush, events.CategoryError,
					"Cannot read qliq id ('id' field) from server (create group): "+string(res.Body))
				p.groups.failed++
				p.groupSkip++
				return nil
			}
			p.groups.created++
			return p.store.SetGroupPushState(ctx, g.ObjectGUID, qliqID, true, 0)
		case res.StatusCode == 409:
			return p.resolveGroupConflict(ctx, g, body, res)
		case scim.IsPermanentError(res.StatusCode) && res.StatusCode != 404:
			p.recorder.Record(events.TypeWebPush, events.CategoryError,
				fmt.Sprintf("Create group webservice call returned code: %d. Marking the group as invalid, objectGuid: %s, name: %s",
					res.StatusCode, g.ObjectGUID, g.DisplayName()))
			p.groups.failed++
			if err := p.store.SetGroupValidState(ctx, g.ObjectGUID, res.StatusCode); err != nil {
				return err
			}
			return p.recordGroupError(ctx, g, res)
		default:
			p.groups.failed++
			return p.recordGroupError(ctx, g, res)
		}
	}

	p.Log.Info("Updating group", "name", g.DisplayName(), "qliqId", g.QliqID)
	res := p.request(p.client.UpdateGroup(ctx, g.QliqID, body))
	switch {
	case res.StatusCode == 200:
		p.groups.updated++
		return p.store.SetGroupPushState(ctx, g.ObjectGUID, g.QliqID, true, 0)
	case res.StatusCode == 404:
		// The cloud record is gone. Quarantine the row; the next directory
		// sync recreates the group if it still exists.
		p.recorder.Record(events.TypeWebPush, events.CategoryWarning,
			fmt.Sprintf("Update group webservice call returned 404. Marking the group as cloud-deleted and ignored now, qliq id: %s, name: %s",
				g.QliqID, g.DisplayName()))
		return p.store.MarkGroupCloudDeleted(ctx, g.ObjectGUID, 404)
	case scim.IsPermanentError(res.StatusCode):
		p.groups.failed++
		if err := p.store.SetGroupValidState(ctx, g.ObjectGUID, res.StatusCode); err != nil {
			return err
		}
		return p.recordGroupError(ctx, g, res)
	default:
		p.groups.failed++
		return p.recordGroupError(ctx, g, res)
	}
}

// resolveGroupConflict handles a create that bounced off an existing cloud
// record: fetch the server copy, merge ours over it, and PUT it back.
func (p *Pusher) resolveGroupConflict(ctx context.Context, g adtypes.DbGroup, body map[string]interface{}, created scim.Result) error {
	qliqID := created.ID()
	p.recorder.Record(events.TypeWebPush, events.CategoryError,
		fmt.Sprintf("Create group webservice call returned conflict. Trying to GET and UPDATE the group now, objectGuid: %s, qliq id: %s, name: %s",
			g.ObjectGUID, qliqID, g.DisplayName()))
	if qliqID == "" {
		p.groups.failed++
		p.groupSkip++
		return nil
	}

	got := p.request(p.client.GetGroup(ctx, qliqID))
	if got.StatusCode != 200 {
		p.groups.failed++
		return p.recordGroupError(ctx, g, got)
	}
	server, err := got.BodyMap()
	if err != nil {
		p.Log.Error(err, "Cannot parse server copy of group", "qliqId", qliqID)
		p.groups.failed++
		p.groupSkip++
		return nil
	}

	res := p.request(p.client.UpdateGroup(ctx, qliqID, scim.MergeGroupForUpdate(server, body)))
	if res.StatusCode != 200 {
		p.groups.failed++
		return p.recordGroupError(ctx, g, res)
	}
	p.groups.updated++
	return p.store.SetGroupPushState(ctx, g.ObjectGUID, qliqID, true, 0)
}

func (p *Pusher) deleteGroup(ctx context.Context, g adtypes.DbGroup) error {
	if g.QliqID == "" {
		// Never reached the cloud, nothing to delete there.
		return p.store.SetGroupPushState(ctx, g.ObjectGUID, "", true, 0)
	}
	p.Log.Info("Deleting group", "name", g.DisplayName(), "qliqId", g.QliqID)
	res := p.request(p.client.DeleteGroup(ctx, g.QliqID))
	switch res.StatusCode {
	case 200:
		p.groups.deleted++
		return p.store.DeleteGroup(ctx, g.ObjectGUID)
	case 404:
		p.Log.Info("Group already doesn't exist on webserver", "name", g.DisplayName(), "qliqId", g.QliqID)
		return p.store.DeleteGroup(ctx, g.ObjectGUID)
	default:
		p.groups.failed++
		return p.recordGroupError(ctx, g, res)
	}
}

func (p *Pusher) pushUser(ctx context.Context, u adtypes.DbUser) error {
	if u.IsDeleted {
		return p.deleteUser(ctx, u)
	}

	if err := scim.ValidateUser(&u); err != nil {
		p.recorder.Record(events.TypeWebPush, events.CategoryError,
			fmt.Sprintf("User is not valid for the cloud: %v, objectGuid: %s, login: %s", err, u.ObjectGUID, u.Login()))
		p.users.failed++
		p.userSkip++
		return p.store.SetUserValidState(ctx, u.ObjectGUID, adtypes.ValidStateInvalid)
	}

	if p.SubgroupsEnabled {
		groups, err := p.store.SelectGroupsOfUser(ctx, u.ObjectGUID)
		if err != nil {
			return errors.Wrapf(err, "cannot load groups of user %s", u.ObjectGUID)
		}
		u.Groups = groups
	}
	var avatar []byte
	if p.AvatarsEnabled {
		var err error
		avatar, _, err = p.store.SelectUserAvatar(ctx, u.ObjectGUID)
		if err != nil {
			return errors.Wrapf(err, "cannot load avatar of user %s", u.ObjectGUID)
		}
	}

	body := scim.UserToMap(&u, p.SubgroupsEnabled)
	if u.QliqID == "" {
		p.Log.Info("Creating user", "login", u.Login())
		res := p.request(p.client.CreateUser(ctx, body, avatar))
		switch {
		case res.StatusCode == 201:
			qliqID := res.ID()
			if qliqID == "" {
				p.recorder.Record(events.TypeWebPush, events.CategoryError,
					"Cannot read qliq id ('id' field) from server (create user): "+string(res.Body))
				p.users.failed++
				p.userSkip++
				return nil
			}
			if err := p.store.SetUserPushState(ctx, u.ObjectGUID, qliqID, true, 0); err != nil {
				return err
			}
			p.users.created++
			return p.finishUserChange(ctx, u)
		case res.StatusCode == 409:
			return p.resolveUserConflict(ctx, u, body, avatar, res)
		case scim.IsPermanentError(res.StatusCode) && res.StatusCode != 404:
			p.recorder.Record(events.TypeWebPush, events.CategoryError,
				fmt.Sprintf("Create user webservice call returned 'bad request' code: %d. Marking the user as invalid, objectGuid: %s, login: %s",
					res.StatusCode, u.ObjectGUID, u.Login()))
			p.users.failed++
			if err := p.store.SetUserValidState(ctx, u.ObjectGUID, res.StatusCode); err != nil {
				return err
			}
			return p.recordUserError(ctx, u, res)
		default:
			p.users.failed++
			return p.recordUserError(ctx, u, res)
		}
	}

	p.Log.Info("Updating user", "login", u.Login(), "qliqId", u.QliqID)
	res := p.request(p.client.UpdateUser(ctx, u.QliqID, body, avatar))
	switch {
	case res.StatusCode == 200:
		if err := p.store.SetUserPushState(ctx, u.ObjectGUID, u.QliqID, true, 0); err != nil {
			return err
		}
		p.users.updated++
		return p.finishUserChange(ctx, u)
	case res.StatusCode == 404:
		p.recorder.Record(events.TypeWebPush, events.CategoryWarning,
			fmt.Sprintf("Update user webservice call returned 404. Marking the user as cloud-deleted and ignored now, qliq id: %s, login: %s",
				u.QliqID, u.Login()))
		return p.store.MarkUserCloudDeleted(ctx, u.ObjectGUID, 404)
	case scim.IsPermanentError(res.StatusCode):
		p.users.failed++
		if err := p.store.SetUserValidState(ctx, u.ObjectGUID, res.StatusCode); err != nil {
			return err
		}
		return p.recordUserError(ctx, u, res)
	default:
		p.users.failed++
		return p.recordUserError(ctx, u, res)
	}
}

func (p *Pusher) resolveUserConflict(ctx context.Context, u adtypes.DbUser, body map[string]interface{}, avatar []byte, created scim.Result) error {
	qliqID := created.ID()
	p.recorder.Record(events.TypeWebPush, events.CategoryError,
		fmt.Sprintf("Create user webservice call returned conflict. Trying to GET and UPDATE the user now, objectGuid: %s, login: %s, qliq id: %s",
			u.ObjectGUID, u.Login(), qliqID))
	if qliqID == "" {
		p.users.failed++
		p.userSkip++
		return nil
	}

	got := p.request(p.client.GetUser(ctx, qliqID))
	if got.StatusCode != 200 {
		p.users.failed++
		return p.recordUserError(ctx, u, got)
	}
	server, err := got.BodyMap()
	if err != nil {
		p.Log.Error(err, "Cannot parse server copy of user", "qliqId", qliqID)
		p.users.failed++
		p.userSkip++
		return nil
	}

	res := p.request(p.client.UpdateUser(ctx, qliqID, scim.MergeUserForUpdate(server, body), avatar))
	if res.StatusCode != 200 {
		p.users.failed++
		return p.recordUserError(ctx, u, res)
	}
	if err := p.store.SetUserPushState(ctx, u.ObjectGUID, qliqID, true, 0); err != nil {
		return err
	}
	p.users.updated++
	return p.finishUserChange(ctx, u)
}

func (p *Pusher) deleteUser(ctx context.Context, u adtypes.DbUser) error {
	if u.QliqID == "" {
		return p.store.SetUserPushState(ctx, u.ObjectGUID, "", true, 0)
	}
	p.Log.Info("Deleting user", "login", u.Login(), "qliqId", u.QliqID)
	res := p.request(p.client.DeleteUser(ctx, u.QliqID))
	switch res.StatusCode {
	case 200:
		if err := p.store.DeleteUser(ctx, u.ObjectGUID); err != nil {
			return err
		}
		p.users.deleted++
		return p.finishUserChange(ctx, u)
	case 404:
		p.Log.Info("User already doesn't exist on webserver", "login", u.Login(), "qliqId", u.QliqID)
		if err := p.store.DeleteUser(ctx, u.ObjectGUID); err != nil {
			return err
		}
		p.users.deleted++
		return p.finishUserChange(ctx, u)
	default:
		p.users.failed++
		return p.recordUserError(ctx, u, res)
	}
}

// finishUserChange is the shared tail of a successful create, update or
// delete: clear the local password-changed marker and move the progress.
func (p *Pusher) finishUserChange(ctx context.Context, u adtypes.DbUser) error {
	if u.IsPasswordChanged() && !u.IsDeleted {
		u.SetPasswordChangedFlag(false)
		if err := p.store.SetUserAccountControl(ctx, u.ObjectGUID, u.UserAccountControl); err != nil {
			return err
		}
	}
	p.noteUserChangePushed(ctx)
	return nil
}

// noteUserChangePushed drives the progress tracker and the periodic
// event: one on the first pushed change, then one every hundred.
func (p *Pusher) noteUserChangePushed(ctx context.Context) {
	p.pushedUserChanges++
	p.progress.Add(1)
	p.progress.SetText(fmt.Sprintf("Cloud Sync %d users", p.pushedUserChanges))

	if p.pushedUserChanges == 1 || p.pushedUserChanges%100 == 0 {
		left, err := p.store.CountUnsentUsers(ctx)
		if err != nil {
			return
		}
		left -= p.userSkip
		if left < 0 {
			left = 0
		}
		p.recorder.Record(events.TypeWebPush, events.CategoryInfo,
			fmt.Sprintf("Pushed %d user changes to the cloud, %d more to go", p.pushedUserChanges, left))
		p.progress.Set(fmt.Sprintf("Cloud Sync %d users", p.pushedUserChanges), 0, left)
	}
}

// recordGroupError classifies a failed response. A network error aborts
// the whole cycle; an HTTP error sticks to the row so the skip cursor
// rides over it.
func (p *Pusher) recordGroupError(ctx context.Context, g adtypes.DbGroup, res scim.Result) error {
	if scim.IsNetworkError(res.StatusCode) {
		return p.networkError(res)
	}
	if res.StatusCode >= 300 {
		p.recorder.Record(events.TypeWebPush, events.CategoryError,
			fmt.Sprintf("Cloud returned error for group: %s error: %d", g.DisplayName(), res.StatusCode))
		return p.store.SetGroupPushState(ctx, g.ObjectGUID, g.QliqID, false, res.StatusCode)
	}
	p.groupSkip++
	return nil
}

func (p *Pusher) recordUserError(ctx context.Context, u adtypes.DbUser, res scim.Result) error {
	if scim.IsNetworkError(res.StatusCode) {
		return p.networkError(res)
	}
	if res.StatusCode >= 300 {
		p.recorder.Record(events.TypeWebPush, events.CategoryError,
			fmt.Sprintf("Cloud returned error for user: %s error: %d", u.Login(), res.StatusCode))
		return p.store.SetUserPushState(ctx, u.ObjectGUID, u.QliqID, false, res.StatusCode)
	}
	p.userSkip++
	return nil
}

func (p *Pusher) networkError(res scim.Result) error {
	p.recorder.Record(events.TypeWebPush, events.CategoryError,
		fmt.Sprintf("Interrupting pushing because of network error: %d", res.StatusCode))
	if res.Err != nil {
		return errors.Wrap(res.Err, "push interrupted by network error")
	}
	return errors.Errorf("push interrupted by network error: %d", res.StatusCode)
}

func (p *Pusher) request(res scim.Result) scim.Result {
	stats.PushRequest(res.Err != nil || res.StatusCode < 200 || res.StatusCode >= 300)
	return res
}

func (p *Pusher) recordFinishEvent(interrupted bool) {
	msg := "Push to cloud "
	if interrupted {
		msg += "cancelled"
	} else {
		msg += "finished"
	}
	if p.groups.any() {
		msg += ". GROUPS:" + p.groups.describe()
	}
	if p.users.any() {
		msg += ", USERS:" + p.users.describe()
	}
	msg += fmt.Sprintf(". Elapsed time: %d minutes", int(time.Since(p.startTime).Minutes()))
	p.recorder.Record(events.TypeWebPush, events.CategoryInfo, msg)
}
