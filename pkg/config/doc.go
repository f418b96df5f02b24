/*
Package config loads and validates the two external documents upctl consumes:
the components manifest and the upgrade policy.

Both are typed YAML; validation runs at load time, before any plan is built,
so every downstream package can trust component names (safe as path
segments), strategies, phases, and dependency edges. Policy fields left unset
fall back to defaults from DefaultPolicy.
*/
package config
