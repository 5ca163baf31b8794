package ayame

import (
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~kaori/ayame/xirc"
)

// User is a tracked network user. Users are created on first sighting
// (JOIN, NAMES, WHO, a PRIVMSG source, MONITOR) and dropped once
// unobservable.
type User struct {
	Nick       string
	Username   string
	Hostname   string
	Realname   string
	Account    string
	Away       bool
	AwayReason string
	Identified bool
}

// Channel is a joined channel. Memberships are keyed by casemapped
// nick and resolve to users through the client's user table.
type Channel struct {
	Name      string
	Topic     string
	TopicWho  *xirc.Prefix
	TopicTime time.Time
	Modes     map[byte]string

	members  map[string]*xirc.MembershipSet
	complete bool
}

// hasMember reports whether the casemapped nick is on the channel.
func (ch *Channel) hasMember(nickCM string) bool {
	_, ok := ch.members[nickCM]
	return ok
}

// User returns the tracked user identified by nick, or nil. Loop-owned.
func (c *Client) User(nick string) *User {
	return c.users[c.casemap(nick)]
}

// Channel returns the joined channel identified by name, or nil.
// Loop-owned.
func (c *Client) Channel(name string) *Channel {
	return c.channels[c.casemap(name)]
}

// InChannel reports whether the client is currently on the channel.
// Loop-owned.
func (c *Client) InChannel(name string) bool {
	return c.Channel(name) != nil
}

// Channels lists the joined channel names. Loop-owned.
func (c *Client) Channels() []string {
	names := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		names = append(names, ch.Name)
	}
	return names
}

// ChannelMembers lists the nicks on a channel. Loop-owned.
func (c *Client) ChannelMembers(name string) []string {
	ch := c.Channel(name)
	if ch == nil {
		return nil
	}
	nicks := make([]string, 0, len(ch.members))
	for nickCM := range ch.members {
		if u := c.users[nickCM]; u != nil {
			nicks = append(nicks, u.Nick)
		}
	}
	return nicks
}

// Membership returns the membership set of nick on the channel, rank
// ordered. Loop-owned.
func (c *Client) Membership(channel, nick string) xirc.MembershipSet {
	ch := c.Channel(channel)
	if ch == nil {
		return nil
	}
	ms := ch.members[c.casemap(nick)]
	if ms == nil {
		return nil
	}
	return *ms
}

// ensureUser returns the tracked user for a message source, creating
// it on first sighting and refreshing the parts the prefix carries.
func (c *Client) ensureUser(p *xirc.Prefix) *User {
	nickCM := c.casemap(p.Name)
	u := c.users[nickCM]
	if u == nil {
		u = &User{Nick: p.Name}
		c.users[nickCM] = u
	}
	u.Nick = p.Name
	if p.User != "" {
		u.Username = p.User
	}
	if p.Host != "" {
		u.Hostname = p.Host
	}
	return u
}

func (c *Client) ensureUserByNick(nick string) *User {
	return c.ensureUser(&xirc.Prefix{Name: nick})
}

// forgetUserIfHidden drops a user that is no longer observable: not
// ourselves, not monitored, sharing no channel.
func (c *Client) forgetUserIfHidden(nick string) {
	nickCM := c.casemap(nick)
	if nickCM == c.nickCM {
		return
	}
	if _, ok := c.monitored[nickCM]; ok {
		return
	}
	for _, ch := range c.channels {
		if ch.hasMember(nickCM) {
			return
		}
	}
	delete(c.users, nickCM)
}

// rekeyState rebuilds every casemapped table after the active case
// mapping changed.
func (c *Client) rekeyState() {
	c.nickCM = c.casemap(c.nick)

	oldUsers := c.users
	users := make(map[string]*User, len(c.users))
	for _, u := range c.users {
		users[c.casemap(u.Nick)] = u
	}
	c.users = users

	channels := make(map[string]*Channel, len(c.channels))
	for _, ch := range c.channels {
		members := make(map[string]*xirc.MembershipSet, len(ch.members))
		for nickCM, ms := range ch.members {
			nick := nickCM
			if u := oldUsers[nickCM]; u != nil {
				nick = u.Nick
			}
			members[c.casemap(nick)] = ms
		}
		ch.members = members
		channels[c.casemap(ch.Name)] = ch
	}
	c.channels = channels

	monitored := make(map[string]string, len(c.monitored))
	for _, nick := range c.monitored {
		monitored[c.casemap(nick)] = nick
	}
	c.monitored = monitored
}

// splitStatusMsg strips STATUSMSG prefixes (such as the @ of "@#chan")
// from a message target.
func (c *Client) splitStatusMsg(target string) (prefixes, name string) {
	i := 0
	for i < len(target) && strings.IndexByte(c.statusMsg, target[i]) >= 0 {
		i++
	}
	return target[:i], target[i:]
}

// featureRFC1459 implements the base protocol: registration numerics,
// keepalive, channel and user bookkeeping, message delivery and the
// WHOIS/WHOWAS request plumbing.
type featureRFC1459 struct{}

func (featureRFC1459) Name() string       { return "rfc1459" }
func (featureRFC1459) Requires() []string { return nil }

func (featureRFC1459) Attach(c *Client) {
	c.Handle("PING", func(c *Client, msg *xirc.Message) {
		c.SendMessage(xirc.NewMessage("PONG", msg.Params...))
	})
	c.Handle("PONG", func(c *Client, msg *xirc.Message) {})

	c.Handle("ERROR", func(c *Client, msg *xirc.Message) {
		reason := ""
		if len(msg.Params) > 0 {
			reason = msg.Params[len(msg.Params)-1]
		}
		c.logger.Printf("fatal server error: %v", reason)
		c.emitError(protocolError("server error: " + reason))
		c.closeConn()
	})

	c.Handle(xirc.RPL_WELCOME, func(c *Client, msg *xirc.Message) {
		c.handleWelcome(msg)
	})
	c.Handle(xirc.RPL_MYINFO, func(c *Client, msg *xirc.Message) {
		var serverName string
		if err := msg.ParseParams(nil, &serverName); err != nil {
			return
		}
		c.serverName = serverName
	})

	for _, numeric := range []string{
		xirc.RPL_YOURHOST, xirc.RPL_CREATED,
		xirc.RPL_MOTDSTART, xirc.RPL_MOTD,
	} {
		c.Handle(numeric, func(c *Client, msg *xirc.Message) {})
	}

	c.Handle(xirc.ERR_NICKNAMEINUSE, handleNickRejected)
	c.Handle(xirc.ERR_ERRONEUSNICKNAME, handleNickRejected)
	c.Handle(xirc.ERR_NICKCOLLISION, handleNickRejected)
	c.Handle(xirc.ERR_UNAVAILRESOURCE, handleNickRejected)

	c.Handle(xirc.ERR_PASSWDMISMATCH, handleRegistrationRejected)
	c.Handle(xirc.ERR_YOUREBANNEDCREEP, handleRegistrationRejected)

	c.Handle("NICK", handleNick)
	c.Handle("JOIN", handleJoin)
	c.Handle("PART", handlePart)
	c.Handle("KICK", handleKick)
	c.Handle("QUIT", handleQuit)
	c.Handle("MODE", handleMode)
	c.Handle("TOPIC", handleTopic)
	c.Handle("INVITE", handleInvite)
	c.Handle("PRIVMSG", handlePrivmsg)
	c.Handle("NOTICE", handleNotice)

	c.Handle(xirc.RPL_UMODEIS, func(c *Client, msg *xirc.Message) {
		modeStr := ""
		if len(msg.Params) > 1 {
			modeStr = msg.Params[1]
		}
		c.userModes = ""
		if err := c.userModes.Apply(modeStr); err != nil {
			c.emitError(err)
		}
	})

	c.Handle(xirc.RPL_NOTOPIC, func(c *Client, msg *xirc.Message) {
		var name string
		if err := msg.ParseParams(nil, &name); err != nil {
			return
		}
		if ch := c.Channel(name); ch != nil {
			ch.Topic = ""
			ch.TopicWho = nil
			ch.TopicTime = time.Time{}
		}
	})
	c.Handle(xirc.RPL_TOPIC, func(c *Client, msg *xirc.Message) {
		var name, topic string
		if err := msg.ParseParams(nil, &name, &topic); err != nil {
			return
		}
		if ch := c.Channel(name); ch != nil {
			ch.Topic = topic
		}
	})
	c.Handle(xirc.RPL_TOPICWHOTIME, func(c *Client, msg *xirc.Message) {
		var name, who, timeStr string
		if err := msg.ParseParams(nil, &name, &who, &timeStr); err != nil {
			return
		}
		ch := c.Channel(name)
		if ch == nil {
			return
		}
		ch.TopicWho = xirc.ParsePrefix(who)
		if sec, err := strconv.ParseInt(timeStr, 10, 64); err == nil {
			ch.TopicTime = time.Unix(sec, 0)
		}
	})

	c.Handle(xirc.RPL_NAMREPLY, handleNamReply)
	c.Handle(xirc.RPL_ENDOFNAMES, func(c *Client, msg *xirc.Message) {
		var name string
		if err := msg.ParseParams(nil, &name); err != nil {
			return
		}
		if ch := c.Channel(name); ch != nil {
			ch.complete = true
		}
	})

	c.Handle(xirc.RPL_WHOREPLY, handleWhoReply)
	c.Handle(xirc.RPL_WHOSPCRPL, handleWhoXReply)
	c.Handle(xirc.RPL_ENDOFWHO, func(c *Client, msg *xirc.Message) {})

	c.Handle(xirc.RPL_AWAY, func(c *Client, msg *xirc.Message) {
		var nick, reason string
		if err := msg.ParseParams(nil, &nick, &reason); err != nil {
			return
		}
		if u := c.User(nick); u != nil {
			u.Away = true
			u.AwayReason = reason
		}
		c.requests.accumulateWhois(nick, func(info *WhoisInfo) {
			info.Away = true
			info.AwayReason = reason
		})
	})
	c.Handle(xirc.RPL_UNAWAY, func(c *Client, msg *xirc.Message) {})
	c.Handle(xirc.RPL_NOWAWAY, func(c *Client, msg *xirc.Message) {})

	attachWhoisHandlers(c)
}

func handleNickRejected(c *Client, msg *xirc.Message) {
	attempted := ""
	if len(msg.Params) > 1 {
		attempted = msg.Params[1]
	}
	if c.status == StatusRegistered {
		if c.Callbacks.NickFailed != nil {
			c.Callbacks.NickFailed(c, attempted)
		}
		return
	}
	next := c.nextNick()
	c.logger.Printf("nickname %q rejected (%v), trying %q", attempted, msg.Command, next)
	c.setNick(next)
	c.SendMessage(xirc.NewMessage("NICK", next))
}

func handleRegistrationRejected(c *Client, msg *xirc.Message) {
	reason := ""
	if len(msg.Params) > 0 {
		reason = msg.Params[len(msg.Params)-1]
	}
	if c.status == StatusRegistered {
		return
	}
	err := &RegistrationError{Code: msg.Command, Reason: reason}
	c.logger.Printf("%v", err)
	c.emitError(err)
	c.closeConn()
}

func handleNick(c *Client, msg *xirc.Message) {
	if msg.Prefix == nil {
		return
	}
	var newNick string
	if err := msg.ParseParams(&newNick); err != nil {
		return
	}
	oldNick := msg.Prefix.Name
	oldCM := c.casemap(oldNick)
	newCM := c.casemap(newNick)

	if u := c.users[oldCM]; u != nil {
		delete(c.users, oldCM)
		u.Nick = newNick
		c.users[newCM] = u
	}
	for _, ch := range c.channels {
		if ms, ok := ch.members[oldCM]; ok {
			delete(ch.members, oldCM)
			ch.members[newCM] = ms
		}
	}
	if _, ok := c.monitored[oldCM]; ok {
		delete(c.monitored, oldCM)
		c.monitored[newCM] = newNick
	}
	if oldCM == c.nickCM {
		c.setNick(newNick)
	}
	if c.Callbacks.NickChange != nil {
		c.Callbacks.NickChange(c, oldNick, newNick)
	}
}

func handleJoin(c *Client, msg *xirc.Message) {
	if msg.Prefix == nil {
		return
	}
	var channels string
	if err := msg.ParseParams(&channels); err != nil {
		return
	}

	for _, name := range strings.Split(channels, ",") {
		nameCM := c.casemap(name)
		u := c.ensureUser(msg.Prefix)

		// extended-join carries account and realname
		if len(msg.Params) >= 3 && c.CapEnabled("extended-join") {
			if account := msg.Params[1]; account != "*" {
				u.Account = account
				u.Identified = true
			}
			u.Realname = msg.Params[2]
		}

		if c.IsMe(msg.Prefix.Name) {
			ch := &Channel{
				Name:    name,
				Modes:   make(map[byte]string),
				members: make(map[string]*xirc.MembershipSet),
			}
			ch.members[c.nickCM] = &xirc.MembershipSet{}
			c.channels[nameCM] = ch
			c.logger.Printf("joined channel %q", name)
			if c.config.WhoOnJoin {
				c.who(name)
			}
		} else {
			ch := c.channels[nameCM]
			if ch == nil {
				c.emitError(protocolError("JOIN for unknown channel " + name))
				continue
			}
			ch.members[c.casemap(u.Nick)] = &xirc.MembershipSet{}
		}

		if c.Callbacks.Join != nil {
			c.Callbacks.Join(c, name, msg.Prefix.Name)
		}
	}
}

func handlePart(c *Client, msg *xirc.Message) {
	if msg.Prefix == nil {
		return
	}
	var channels string
	if err := msg.ParseParams(&channels); err != nil {
		return
	}
	var reason string
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}

	for _, name := range strings.Split(channels, ",") {
		nameCM := c.casemap(name)
		if c.IsMe(msg.Prefix.Name) {
			ch := c.channels[nameCM]
			if ch == nil {
				continue
			}
			delete(c.channels, nameCM)
			c.logger.Printf("parted channel %q", name)
			for nickCM := range ch.members {
				if u := c.users[nickCM]; u != nil {
					c.forgetUserIfHidden(u.Nick)
				}
			}
		} else {
			ch := c.channels[nameCM]
			if ch == nil {
				continue
			}
			delete(ch.members, c.casemap(msg.Prefix.Name))
			c.forgetUserIfHidden(msg.Prefix.Name)
		}

		if c.Callbacks.Part != nil {
			c.Callbacks.Part(c, name, msg.Prefix.Name, reason)
		}
	}
}

func handleKick(c *Client, msg *xirc.Message) {
	var channel, kicked string
	if err := msg.ParseParams(&channel, &kicked); err != nil {
		return
	}
	var reason string
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}

	if c.IsMe(kicked) {
		ch := c.channels[c.casemap(channel)]
		delete(c.channels, c.casemap(channel))
		if ch != nil {
			for nickCM := range ch.members {
				if u := c.users[nickCM]; u != nil {
					c.forgetUserIfHidden(u.Nick)
				}
			}
		}
		by := ""
		if msg.Prefix != nil {
			by = msg.Prefix.Name
		}
		c.logger.Printf("kicked from channel %q by %v", channel, by)
	} else if ch := c.channels[c.casemap(channel)]; ch != nil {
		delete(ch.members, c.casemap(kicked))
		c.forgetUserIfHidden(kicked)
	}

	if c.Callbacks.Kick != nil {
		by := ""
		if msg.Prefix != nil {
			by = msg.Prefix.Name
		}
		c.Callbacks.Kick(c, channel, kicked, by, reason)
	}
}

func handleQuit(c *Client, msg *xirc.Message) {
	if msg.Prefix == nil {
		return
	}
	var reason string
	if len(msg.Params) > 0 {
		reason = msg.Params[0]
	}

	nickCM := c.casemap(msg.Prefix.Name)
	for _, ch := range c.channels {
		delete(ch.members, nickCM)
	}
	c.forgetUserIfHidden(msg.Prefix.Name)

	if c.Callbacks.Quit != nil {
		c.Callbacks.Quit(c, msg.Prefix.Name, reason)
	}
}

func handleTopic(c *Client, msg *xirc.Message) {
	if msg.Prefix == nil {
		return
	}
	var name string
	if err := msg.ParseParams(&name); err != nil {
		return
	}
	ch := c.Channel(name)
	if ch == nil {
		return
	}
	if len(msg.Params) > 1 {
		ch.Topic = msg.Params[1]
		ch.TopicWho = msg.Prefix.Copy()
		ch.TopicTime = c.messageTime(msg)
	} else {
		ch.Topic = ""
	}
	if c.Callbacks.TopicChange != nil {
		c.Callbacks.TopicChange(c, name, ch.Topic, msg.Prefix)
	}
}

func handleInvite(c *Client, msg *xirc.Message) {
	var nick, channel string
	if err := msg.ParseParams(&nick, &channel); err != nil {
		return
	}
	if c.Callbacks.Invite != nil {
		c.Callbacks.Invite(c, channel, nick, msg.Prefix)
	}
}

func handleNamReply(c *Client, msg *xirc.Message) {
	var name, members string
	if err := msg.ParseParams(nil, nil, &name, &members); err != nil {
		return
	}
	ch := c.Channel(name)
	if ch == nil {
		return
	}
	if ch.complete {
		// a fresh NAMES burst replaces the membership list
		ch.members = make(map[string]*xirc.MembershipSet)
		ch.complete = false
	}

	for _, entry := range strings.Fields(members) {
		ms, nick := xirc.TrimMemberships(c.memberships, entry)
		if nick == "" {
			continue
		}
		u := c.ensureUserByNick(nick)
		set := ms
		ch.members[c.casemap(u.Nick)] = &set
	}
}

func handleWhoReply(c *Client, msg *xirc.Message) {
	var username, host, nick, flags, trailing string
	if err := msg.ParseParams(nil, nil, &username, &host, nil, &nick, &flags, &trailing); err != nil {
		return
	}
	u := c.ensureUserByNick(nick)
	u.Username = username
	u.Hostname = host
	u.Away = strings.ContainsRune(flags, 'G')
	if parts := strings.SplitN(trailing, " ", 2); len(parts) == 2 {
		u.Realname = parts[1]
	}
}

// whoxFields is the WHOX field request issued by who(): channel,
// username, host, nick, flags, account, realname.
const whoxFields = "%cuhnfar"

func handleWhoXReply(c *Client, msg *xirc.Message) {
	// fields come back in cuhnfar order, preceded by our own nick
	var username, host, nick, flags, account, realname string
	if err := msg.ParseParams(nil, nil, &username, &host, &nick, &flags, &account, &realname); err != nil {
		return
	}
	u := c.ensureUserByNick(nick)
	u.Username = username
	u.Hostname = host
	u.Realname = realname
	u.Away = strings.ContainsRune(flags, 'G')
	if account != "0" {
		u.Account = account
		u.Identified = true
	}
}

func (c *Client) who(target string) {
	if c.whox {
		c.SendMessage(xirc.NewMessage("WHO", target, whoxFields))
	} else {
		c.SendMessage(xirc.NewMessage("WHO", target))
	}
}

func handlePrivmsg(c *Client, msg *xirc.Message) {
	var target, text string
	if err := msg.ParseParams(&target, &text); err != nil {
		return
	}
	if msg.Prefix != nil && msg.Prefix.User != "" {
		c.ensureUser(msg.Prefix)
	}
	if strings.HasPrefix(text, "\x01") {
		// left to the ctcp feature
		return
	}

	at := c.messageTime(msg)
	if c.Callbacks.Message != nil {
		c.Callbacks.Message(c, msg.Prefix, target, text, at)
	}
	_, name := c.splitStatusMsg(target)
	if c.IsChannel(name) {
		if c.Callbacks.ChannelMessage != nil {
			c.Callbacks.ChannelMessage(c, msg.Prefix, name, text, at)
		}
	} else if c.Callbacks.PrivateMessage != nil {
		c.Callbacks.PrivateMessage(c, msg.Prefix, text, at)
	}
}

func handleNotice(c *Client, msg *xirc.Message) {
	var target, text string
	if err := msg.ParseParams(&target, &text); err != nil {
		return
	}
	if strings.HasPrefix(text, "\x01") {
		// left to the ctcp feature
		return
	}
	if c.Callbacks.Notice != nil {
		c.Callbacks.Notice(c, msg.Prefix, target, text, c.messageTime(msg))
	}
}
