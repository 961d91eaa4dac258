/*
Package exclusion produces the OS-specific exclusion rule sets applied to
every backup and their serialized forms for the remote copy tools.

A RuleSet carries directory patterns, filename/extension globs, and a 2 GiB
per-file size cap. Defaults cover ephemeral filesystems, caches, trash, and
swap artifacts per OS; global rules skip large media container extensions.
Per-client overrides append to the defaults.

Three serializations exist: RobocopyArgs (basename /XD list, joined /XF
clause, /MAX byte cap), RsyncArgs (one --exclude per rule, --max-size in MB),
and FindExpr (negated -path/-name/-size clauses for change enumeration).
ShouldExclude is the in-process oracle; it compiles the same rules to anchored
regexps so it agrees with the serialized forms.
*/
package exclusion
