package engine

import (
	"airguard/internal/config"
	"airguard/internal/model"
)

// Target is one resolved delivery address.
type Target struct {
	Channel model.Channel
	Address string
	UserID  string
}

// Directory resolves rule recipients into delivery targets.
type Directory struct {
	users map[string]config.UserContact
	roles map[string][]string
}

func NewDirectory(cfg config.RecipientsConfig) *Directory {
	d := &Directory{
		users: make(map[string]config.UserContact, len(cfg.Users)),
		roles: make(map[string][]string, len(cfg.Roles)),
	}
	for id, c := range cfg.Users {
		d.users[id] = c
	}
	for role, members := range cfg.Roles {
		d.roles[role] = append([]string(nil), members...)
	}
	return d
}

// Resolve returns the union of role members, named users and raw addresses,
// de-duplicated by channel and address. Rule channels restrict which of a
// user's contacts are used; raw addresses carry their own channel.
func (d *Directory) Resolve(r model.Recipients) []Target {
	var (
		out  []Target
		seen = make(map[string]struct{})
	)
	add := func(t Target) {
		if t.Address == "" {
			return
		}
		key := string(t.Channel) + "|" + t.Address
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	allowed := func(c model.Channel) bool {
		if len(r.Channels) == 0 {
			return true
		}
		for _, v := range r.Channels {
			if v == c {
				return true
			}
		}
		return false
	}
	addUser := func(id string) {
		if d == nil {
			return
		}
		contact, ok := d.users[id]
		if !ok {
			return
		}
		for _, t := range contactTargets(id, contact) {
			if allowed(t.Channel) {
				add(t)
			}
		}
	}

	for _, role := range r.Roles {
		if d == nil {
			break
		}
		for _, id := range d.roles[role] {
			addUser(id)
		}
	}
	for _, id := range r.Users {
		addUser(id)
	}
	for _, a := range r.Addresses {
		add(Target{Channel: a.Channel, Address: a.Target})
	}
	return out
}

func contactTargets(id string, c config.UserContact) []Target {
	return []Target{
		{Channel: model.ChannelEmail, Address: c.Email, UserID: id},
		{Channel: model.ChannelSMS, Address: c.Phone, UserID: id},
		{Channel: model.ChannelPush, Address: c.Push, UserID: id},
		{Channel: model.ChannelWebhook, Address: c.Webhook, UserID: id},
	}
}

func channelsOf(targets []Target) []model.Channel {
	var out []model.Channel
	seen := make(map[model.Channel]struct{})
	for _, t := range targets {
		if _, ok := seen[t.Channel]; ok {
			continue
		}
		seen[t.Channel] = struct{}{}
		out = append(out, t.Channel)
	}
	return out
}
