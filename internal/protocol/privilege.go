package protocol

import "fmt"

// Privilege is the trust level of a session. Levels are cumulative bit sets:
// a developer session may use everything a system or user session may.
type Privilege uint

const (
	// PrivUser may only use probes safe for unprivileged users.
	PrivUser Privilege = 1 << iota
	// PrivSystem may additionally use system-wide observation probes.
	PrivSystem
	// PrivDeveloper is full trust; artifacts need no signature.
	PrivDeveloper

	privUserOnly   = PrivUser
	privSystemUp   = PrivSystem | PrivUser
	privDevelopAll = PrivDeveloper | PrivSystem | PrivUser
)

// Contains reports whether level set p includes all of q.
func (p Privilege) Contains(q Privilege) bool { return p&q == q }

// NeedsSigning reports whether artifacts for this session must carry a
// detached signature before the runtime will load them.
func (p Privilege) NeedsSigning() bool { return !p.Contains(PrivDeveloper) }

func (p Privilege) String() string {
	switch {
	case p.Contains(PrivDeveloper):
		return "stapdev"
	case p.Contains(PrivSystem):
		return "stapsys"
	case p.Contains(PrivUser):
		return "stapusr"
	}
	return fmt.Sprintf("privilege(%#x)", uint(p))
}

// ParsePrivilege maps a --privilege argument to its cumulative level set.
// Unknown names resolve to full trust, matching the compiler's own fallback.
func ParsePrivilege(name string) Privilege {
	switch name {
	case "stapdev":
		return privDevelopAll
	case "stapsys":
		return privSystemUp
	case "stapusr":
		return privUserOnly
	}
	return privDevelopAll
}

// PrivilegeFromArgs scans a compiler argument list for the first
// --privilege=<level> or --unprivileged option, the way the daemon decides
// whether a response artifact must be signed. Absent either option the
// session is fully trusted.
func PrivilegeFromArgs(args []string) Privilege {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--unprivileged":
			return privUserOnly
		case a == "--privilege" && i+1 < len(args):
			return ParsePrivilege(args[i+1])
		case len(a) > len("--privilege=") && a[:len("--privilege=")] == "--privilege=":
			return ParsePrivilege(a[len("--privilege="):])
		case a == "--":
			// Everything after -- belongs to the script.
			return privDevelopAll
		}
	}
	return privDevelopAll
}
