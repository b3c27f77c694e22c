package prompt

// Sensor analyses one user message against the conversation window,
// the privacy-safe customer schema mask, and the glossary. Only field
// existence crosses this boundary, never values.
var Sensor = MustCompile("sensor", `You are the situation sensor of a conversational agent. Analyze the latest user message and return ONLY a JSON object, no prose.

## Conversation window
{{#each history}}{{role}}: {{content}}
{{/each}}
## Latest user message
{{message}}

## Previous canonical intent
{{previous_intent}}

## Customer data schema (existence only, values are never shown)
{{#each schema_mask}}- {{name}} ({{field_type}}, scope {{scope}}): {{exists}}
{{/each}}
## Domain glossary
{{#each glossary}}- {{term}}: {{definition}}
{{/each}}
## Output format
Return a JSON object with exactly these fields:
{
  "language": "<ISO 639-1 code of the user message>",
  "intent_changed": <bool>,
  "new_intent_label": "<label or null>",
  "new_intent_text": "<one-line description or null>",
  "topic": "<topic or null>",
  "topic_changed": <bool>,
  "tone": "<one word>",
  "sentiment": "positive" | "neutral" | "negative",
  "frustration_level": "low" | "medium" | "high" | null,
  "urgency": "low" | "normal" | "high" | "critical",
  "scenario_signal": "CONTINUE" | "PAUSE" | "CANCEL" | "UNKNOWN",
  "situation_facts": ["<short factual observations>"],
  "candidate_variables": {"<schema_field_name>": {"value": <value>, "is_update": <bool>}}
}

Report candidate_variables only for fields defined in the schema above. scenario_signal reflects what the user wants done with any ongoing flow.`)

// RuleFilter classifies a batch of candidate rules against the
// situation as APPLIES, NOT_RELATED, or UNSURE.
var RuleFilter = MustCompile("rule_filter", `You decide which behavioural rules apply to the current situation.

## Situation
Message: {{message}}
Topic: {{topic}}
Sentiment: {{sentiment}}
Urgency: {{urgency}}

## Candidate rules
{{#each rules}}- rule_id: {{rule_id}}
  condition: {{condition}}
{{/each}}
## Output format
Return ONLY a JSON object:
{
  "classifications": [
    {"rule_id": "<id>", "verdict": "APPLIES" | "NOT_RELATED" | "UNSURE", "confidence": <0..1>, "relevance": <0..1>, "reasoning": "<one sentence>"}
  ]
}

Classify every candidate. APPLIES means the rule's condition matches this situation; NOT_RELATED means it clearly does not; UNSURE when you cannot tell.`)

// Transition decides whether a step transition whose condition
// references customer-data fields is satisfied.
var Transition = MustCompile("transition", `You evaluate whether a conversational flow should advance.

## Situation
Message: {{message}}

## Transition condition
{{condition}}

## Referenced fields (existence only)
{{#each fields}}- {{name}}: {{exists}}
{{/each}}
Return ONLY a JSON object: {"fires": <bool>, "confidence": <0..1>, "reasoning": "<one sentence>"}`)

// Generator builds the final response under the agent's system prompt,
// the applied rules, and the scenario instructions.
var Generator = MustCompile("generator", `{{system_prompt}}

## Rules in effect this turn
{{#each rules}}- {{action}}
{{/each}}
## Active flow instructions
{{#each contributions}}- [{{scenario}} / {{step}}] {{instructions}}
{{/each}}
## Tool results
{{#each tool_results}}- {{tool}}: {{output}}
{{/each}}
## Fields to collect from the user
{{#each collect}}- {{display_name}}
{{/each}}
## Conversation
{{#each history}}{{role}}: {{content}}
{{/each}}
Respond in language "{{language}}". Follow every rule above. Stay within the active flow instructions.`)

// EnforcementJudge asks whether a generated response violates a rule's
// action text. Used when the rule carries no enforcement expression.
var EnforcementJudge = MustCompile("enforcement_judge", `You audit an assistant response against a policy.

## Policy
{{action}}

## Assistant response
{{response}}

Return ONLY a JSON object: {"violates": <bool>, "reasoning": "<one sentence>"}`)

// Regenerate strengthens the generation prompt after a violation. The
// violated action text is included verbatim.
var Regenerate = MustCompile("regenerate", `Your previous response violated a policy that MUST be satisfied:

{{action}}

Rewrite the response so it fully satisfies the policy. Keep everything else about the answer intact.

## Previous response
{{response}}`)
