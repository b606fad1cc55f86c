package instrument

import (
	"fmt"
	"strings"
)

// commandPolicy describes how one redis command is reported.
type commandPolicy struct {
	// Type is the operation type shown in diagnostics.
	Type string
	// First is the index in Args of the first key; 0 means keyless.
	First int
	// Last is the index of the last key. Negative values count from the end
	// of Args (-1 is the final argument).
	Last int
	// Step is the distance between keys, 2 for key/value pairs.
	Step int
	// CheckDupes requests duplicate detection for the call.
	CheckDupes bool
	// Skip hides the command entirely (transaction framing).
	Skip bool
	// Fields reports one "hash field" key per requested field instead of the
	// hash name, so reply values line up with keys.
	Fields bool
}

var commandPolicies = map[string]commandPolicy{
	"get":      {Type: "Get", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"getex":    {Type: "GetEx", First: 1, Last: 1, Step: 1},
	"getdel":   {Type: "GetDel", First: 1, Last: 1, Step: 1},
	"mget":     {Type: "GetMulti", First: 1, Last: -1, Step: 1, CheckDupes: true},
	"exists":   {Type: "Exists", First: 1, Last: -1, Step: 1, CheckDupes: true},
	"strlen":   {Type: "StrLen", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"ttl":      {Type: "TTL", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"pttl":     {Type: "PTTL", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"type":     {Type: "Type", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"hget":     {Type: "HashGet", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"hmget":    {Type: "HashGetMulti", First: 1, Last: -1, Step: 1, CheckDupes: true, Fields: true},
	"hgetall":  {Type: "HashGetAll", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"hexists":  {Type: "HashExists", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"smembers": {Type: "SetMembers", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"lrange":   {Type: "ListRange", First: 1, Last: 1, Step: 1, CheckDupes: true},
	"set":      {Type: "Upsert", First: 1, Last: 1, Step: 1},
	"setnx":    {Type: "Insert", First: 1, Last: 1, Step: 1},
	"setex":    {Type: "Upsert", First: 1, Last: 1, Step: 1},
	"mset":     {Type: "UpsertMulti", First: 1, Last: -1, Step: 2},
	"msetnx":   {Type: "InsertMulti", First: 1, Last: -1, Step: 2},
	"append":   {Type: "Append", First: 1, Last: 1, Step: 1},
	"incr":     {Type: "Increment", First: 1, Last: 1, Step: 1},
	"incrby":   {Type: "Increment", First: 1, Last: 1, Step: 1},
	"decr":     {Type: "Decrement", First: 1, Last: 1, Step: 1},
	"decrby":   {Type: "Decrement", First: 1, Last: 1, Step: 1},
	"hset":     {Type: "HashSet", First: 1, Last: 1, Step: 1},
	"hdel":     {Type: "HashRemove", First: 1, Last: 1, Step: 1},
	"del":      {Type: "Remove", First: 1, Last: -1, Step: 1},
	"unlink":   {Type: "Remove", First: 1, Last: -1, Step: 1},
	"expire":   {Type: "Touch", First: 1, Last: 1, Step: 1},
	"pexpire":  {Type: "Touch", First: 1, Last: 1, Step: 1},
	"persist":  {Type: "Persist", First: 1, Last: 1, Step: 1},
	"ping":     {Type: "Ping"},
	"multi":    {Skip: true},
	"exec":     {Skip: true},
}

// policyFor returns the policy of a command name. Unknown commands are
// reported under their upper-cased name with a single key at position 1.
func policyFor(name string) commandPolicy {
	name = strings.ToLower(name)
	if p, ok := commandPolicies[name]; ok {
		return p
	}
	return commandPolicy{Type: strings.ToUpper(name), First: 1, Last: 1, Step: 1}
}

// keys extracts the key arguments of a command according to p.
func (p commandPolicy) keys(args []interface{}) []string {
	if p.First <= 0 || p.First >= len(args) {
		return nil
	}
	last := p.Last
	if last < 0 {
		last = len(args) + last
	}
	if last >= len(args) {
		last = len(args) - 1
	}
	if last < p.First {
		return nil
	}
	if p.Fields {
		return p.fieldKeys(args, last)
	}
	step := p.Step
	if step <= 0 {
		step = 1
	}
	keys := make([]string, 0, (last-p.First)/step+1)
	for i := p.First; i <= last; i += step {
		keys = append(keys, argString(args[i]))
	}
	return keys
}

func (p commandPolicy) fieldKeys(args []interface{}, last int) []string {
	hash := argString(args[p.First])
	if last <= p.First {
		return []string{hash}
	}
	keys := make([]string, 0, last-p.First)
	for i := p.First + 1; i <= last; i++ {
		keys = append(keys, hash+" "+argString(args[i]))
	}
	return keys
}

func argString(arg interface{}) string {
	switch v := arg.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
