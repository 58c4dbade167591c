package monitor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scimbridge/adsync/internal/adtypes"
	"github.com/scimbridge/adsync/internal/directory"
)

// sampleLimit bounds the subgroup and per-group user samples of the
// main-group probe.
const sampleLimit = 3

// TestAdminCredentials verifies the forest's service account against its
// primary domain controller.
func (m *Monitor) TestAdminCredentials(ctx context.Context, f adtypes.Forest) directory.AuthResult {
	session, err := m.dialer.Dial(ctx, f.Credentials(f.PrimaryController()))
	if err != nil {
		return directory.ClassifyBindError(err)
	}
	session.Close()
	return directory.AuthResult{Status: directory.AuthOk}
}

// TestMainGroup probes the configured main group: the group itself, up to
// three subgroups, and up to three users of each sampled group. Every hit
// streams through emit so the operator sees partial results while the
// probe runs. The error messages are wire strings shown verbatim.
func (m *Monitor) TestMainGroup(ctx context.Context, f adtypes.Forest, emit func(map[string]interface{})) error {
	if f.SyncGroup == "" {
		return errors.New("Main group is not configured, cannot continue")
	}
	session, err := m.dialer.Dial(ctx, f.Credentials(f.PrimaryController()))
	if err != nil {
		return errors.Wrap(err, "Cannot connect to the domain controller")
	}
	defer session.Close()

	main, found, err := session.RetrieveGroupByName(ctx, f.SyncGroup)
	if err != nil {
		return errors.Wrap(err, "Cannot retrieve main group")
	}
	if !found {
		return errors.New("Main group is empty")
	}
	emit(main.ToMap())

	sampled := []adtypes.AdGroup{main}
	q := directory.Query{Filter: directory.MemberGroupsFilter(main.DistinguishedName, "")}
	err = session.RetrieveGroups(ctx, q, func(g adtypes.AdGroup) bool {
		emit(g.ToMap())
		sampled = append(sampled, g)
		return len(sampled) < 1+sampleLimit
	})
	if err != nil {
		return errors.Wrap(err, "Cannot retrieve subgroups")
	}

	for i := range sampled {
		users := 0
		uq := directory.Query{Filter: directory.MemberUsersFilter(sampled[i].DistinguishedName, "", "")}
		err := session.RetrieveUsers(ctx, uq, func(u adtypes.AdUser) bool {
			emit(u.ToMap())
			users++
			return users < sampleLimit
		})
		if err != nil {
			return errors.Wrapf(err, "Cannot retrieve users of group %s", sampled[i].CN)
		}
	}
	return nil
}

// AuthenticateUser verifies end-user credentials against the first
// configured forest. With DN based auth enabled the login is resolved to
// the cached distinguished name before binding.
func (m *Monitor) AuthenticateUser(ctx context.Context, login, password string) directory.AuthResult {
	forests := m.manager.Forests()
	if len(forests) == 0 {
		return directory.AuthResult{Status: directory.AuthOther, Err: errors.New("no forests configured")}
	}
	f := forests[0]

	if m.Config().EnableDistinguishedNameBaseAuth {
		u, ok, err := m.store.SelectUserByUPN(ctx, login)
		if err != nil {
			return directory.AuthResult{Status: directory.AuthOther, Err: err}
		}
		if ok && u.DistinguishedName != "" {
			login = u.DistinguishedName
		}
	}
	return m.dialer.Authenticate(ctx, f.Credentials(f.PrimaryController()), login, password)
}
